// Package circuitbreaker stops calls to a target that keeps failing at the
// transport level. Only transport failures count: a target that answers,
// even with a rejection, is reachable.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/paysign/internal/payerr"
)

// ErrOpen is wrapped in the transport error Do returns while a circuit is
// open.
var ErrOpen = errors.New("circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are refused until the cool-down ends
	StateHalfOpen              // one probe call is in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText lets states appear by name in JSON maps and values.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half_open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("circuitbreaker: unknown state %q", text)
	}
	return nil
}

type circuit struct {
	state    State
	failures int
	// retryAt is when an open circuit admits its probe.
	retryAt time.Time
}

// Breaker keeps one circuit per key (a forwarding URL, a gateway host).
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	onTransition func(key string, from, to State)
}

// New creates a breaker that opens after threshold consecutive transport
// failures and stays open for cooldown before letting a probe through.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// SetClock overrides time.Now.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// OnTransition registers fn to run, on its own goroutine, after each state
// change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Do runs fn unless key's circuit is open. A transport failure counts
// against the circuit; success and any other error close it.
func (b *Breaker) Do(op, key string, fn func() error) error {
	if !b.Allow(key) {
		return payerr.Transport(op, ErrOpen)
	}
	err := fn()
	if err != nil && payerr.Retryable(err) {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a call to key may proceed. An open circuit whose
// cool-down has passed admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Before(c.retryAt) {
			return false
		}
		b.transition(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess closes key's circuit and clears its failures.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	b.transition(key, c, StateClosed)
}

// RecordFailure counts a transport failure. A failed probe reopens the
// circuit at once.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.retryAt = b.now().Add(b.cooldown)
		b.transition(key, c, StateOpen)
	}
}

// State returns key's state; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Snapshot returns the state of every key seen so far.
func (b *Breaker) Snapshot() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]State, len(b.circuits))
	for k, c := range b.circuits {
		out[k] = c.state
	}
	return out
}

// b.mu must be held.
func (b *Breaker) transition(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if fn := b.onTransition; fn != nil {
		go fn(key, from, to)
	}
}
