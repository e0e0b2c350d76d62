// Package certstore caches a gateway's rotating platform public keys by
// serial.
//
// The table is immutable once built and published through an atomic
// pointer, so readers never take a lock and never observe a partially
// populated table. Refresh builds a complete replacement off to the side
// and swaps it in; concurrent refreshes share one in-flight load.
package certstore

import (
	"context"
	"crypto/rsa"
	"errors"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mbd888/paysign/internal/payerr"
	"github.com/mbd888/paysign/internal/retry"
)

const (
	// DefaultAttempts bounds the retries of one refresh.
	DefaultAttempts = 3
	// DefaultRefreshTimeout bounds one shared refresh, retries included.
	DefaultRefreshTimeout = 30 * time.Second
)

// Entry is one platform certificate.
type Entry struct {
	Serial      string
	PublicKey   *rsa.PublicKey
	EffectiveAt time.Time
	ExpiresAt   time.Time
}

// Loader fetches the complete current certificate list from the gateway.
// A well-formed empty list is valid and empties the table.
type Loader interface {
	LoadCertificates(ctx context.Context) ([]Entry, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) ([]Entry, error)

func (f LoaderFunc) LoadCertificates(ctx context.Context) ([]Entry, error) { return f(ctx) }

// Observer receives refresh outcomes, used for metrics.
type Observer interface {
	RefreshDone(err error, entries int)
}

type table struct {
	entries   map[string]Entry
	refreshed time.Time
}

// Store serves lookups by serial.
type Store struct {
	loader   Loader
	policy   retry.Policy
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
	timeout  time.Duration

	current atomic.Pointer[table]
	pinned  map[string]Entry
	group   singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithPinned adds statically configured entries that refreshes never
// replace.
func WithPinned(entries ...Entry) Option {
	return func(s *Store) {
		for _, e := range entries {
			s.pinned[e.Serial] = e
		}
	}
}

// WithRetryPolicy overrides the refresh retry policy. The Retryable
// classifier is always forced to transport-only.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithRefreshTimeout bounds a shared refresh. It is independent of any
// caller's context.
func WithRefreshTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithObserver registers a refresh observer.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store. loader may be nil when only pinned entries
// are used; Refresh then reports a config error.
func New(loader Loader, opts ...Option) *Store {
	s := &Store{
		loader: loader,
		policy: retry.Policy{MaxAttempts: DefaultAttempts},
		logger: slog.Default(),
		now:     time.Now,
		timeout: DefaultRefreshTimeout,
		pinned:  make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.policy.Retryable = payerr.Retryable
	s.current.Store(&table{entries: map[string]Entry{}})
	return s
}

// Get returns the entry for serial. It never triggers a refresh.
func (s *Store) Get(serial string) (Entry, bool) {
	if e, ok := s.current.Load().entries[serial]; ok {
		return e, true
	}
	e, ok := s.pinned[serial]
	return e, ok
}

// PublicKey is Get reduced to the key.
func (s *Store) PublicKey(serial string) (*rsa.PublicKey, bool) {
	e, ok := s.Get(serial)
	if !ok {
		return nil, false
	}
	return e.PublicKey, true
}

// Refresh reloads the table. On any failure the previous table stays in
// place. Callers arriving while a refresh is running wait for it and share
// its result.
//
// The shared load keeps ctx's values but not its cancellation: a caller
// that gives up stops waiting without aborting the load for the others.
func (s *Store) Refresh(ctx context.Context) error {
	if s.loader == nil {
		return payerr.Config("certstore.refresh", errors.New("no certificate loader configured"))
	}
	ch := s.group.DoChan("refresh", func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return nil, s.refresh(lctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return payerr.Transport("certstore.refresh", ctx.Err())
	}
}

func (s *Store) refresh(ctx context.Context) error {
	entries, err := retry.DoValue(ctx, s.policy, s.loader.LoadCertificates)
	if err != nil {
		s.logger.Warn("platform certificate refresh failed",
			"error", err, "kept", len(s.current.Load().entries))
		s.observe(err, 0)
		return err
	}

	next := &table{entries: make(map[string]Entry, len(entries)), refreshed: s.now()}
	for _, e := range entries {
		if e.Serial == "" || e.PublicKey == nil {
			err := payerr.Malformed("certstore.refresh", "certificate entry without serial or key")
			s.observe(err, 0)
			return err
		}
		next.entries[e.Serial] = e
	}
	s.current.Store(next)

	s.logger.Info("platform certificates refreshed", "count", len(next.entries), "serials", s.Serials())
	s.observe(nil, len(next.entries))
	return nil
}

func (s *Store) observe(err error, n int) {
	if s.observer != nil {
		s.observer.RefreshDone(err, n)
	}
}

// Len returns the number of refreshed entries (pinned entries excluded).
func (s *Store) Len() int {
	return len(s.current.Load().entries)
}

// Serials lists refreshed and pinned serials in sorted order.
func (s *Store) Serials() []string {
	t := s.current.Load()
	out := make([]string, 0, len(t.entries)+len(s.pinned))
	for k := range t.entries {
		out = append(out, k)
	}
	for k := range s.pinned {
		if _, dup := t.entries[k]; !dup {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Entries returns a snapshot of every known entry, sorted by serial.
func (s *Store) Entries() []Entry {
	serials := s.Serials()
	out := make([]Entry, 0, len(serials))
	for _, sn := range serials {
		e, _ := s.Get(sn)
		out = append(out, e)
	}
	return out
}

// LastRefresh reports when the table was last replaced. Zero before the
// first successful refresh.
func (s *Store) LastRefresh() time.Time {
	return s.current.Load().refreshed
}

// Ready reports whether any key is available for verification.
func (s *Store) Ready() bool {
	return s.Len() > 0 || len(s.pinned) > 0
}
