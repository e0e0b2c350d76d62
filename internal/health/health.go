// Package health aggregates readiness checks for the gateways the server
// verifies notifications for.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	// Critical checks decide readiness; the others are informational.
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates a registry whose checks each get DefaultTimeout.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// SetTimeout changes the per-check deadline.
func (r *Registry) SetTimeout(d time.Duration) {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// Register adds a check that must pass for the server to be ready.
func (r *Registry) Register(name string, check Checker) {
	r.add(name, true, check)
}

// RegisterInfo adds a check that is reported but never fails readiness.
func (r *Registry) RegisterInfo(name string, check Checker) {
	r.add(name, false, check)
}

func (r *Registry) add(name string, critical bool, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, critical: critical, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently. healthy is false when any
// critical check fails.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			st := nc.check(cctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			st.Critical = nc.critical
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, st := range statuses {
		if st.Critical && !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// CertificateSource is the view of a platform certificate cache the
// readiness check needs.
type CertificateSource interface {
	Ready() bool
	Len() int
	LastRefresh() time.Time
}

// Certificates reports a gateway healthy once at least one platform key is
// available for verifying its notifications. A downloaded set older than
// maxAge is stale; zero disables the age check. Pinned keys never age.
func Certificates(name string, src CertificateSource, maxAge time.Duration) Checker {
	return certificates(name, src, maxAge, time.Now)
}

func certificates(name string, src CertificateSource, maxAge time.Duration, now func() time.Time) Checker {
	return func(context.Context) Status {
		if !src.Ready() {
			return Status{Name: name, Healthy: false, Detail: "no platform certificate loaded"}
		}
		last := src.LastRefresh()
		if last.IsZero() {
			return Status{Name: name, Healthy: true, Detail: "pinned platform key"}
		}
		detail := fmt.Sprintf("%d certificates, refreshed %s", src.Len(), last.UTC().Format(time.RFC3339))
		if maxAge > 0 && now().Sub(last) > maxAge {
			return Status{Name: name, Healthy: false, Detail: "stale: " + detail}
		}
		return Status{Name: name, Healthy: true, Detail: detail}
	}
}

// Forwarding reports the outcome of the latest merchant delivery.
func Forwarding(name string, lastError func() string) Checker {
	return func(context.Context) Status {
		if msg := lastError(); msg != "" {
			return Status{Name: name, Healthy: false, Detail: msg}
		}
		return Status{Name: name, Healthy: true}
	}
}
