package certstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRefreshInterval is how often RefreshTimer reloads the table.
const DefaultRefreshInterval = 12 * time.Hour

// RefreshTimer periodically refreshes a Store so rotated certificates are
// known before the gateway starts signing with them.
type RefreshTimer struct {
	store     *Store
	logger    *slog.Logger
	interval  time.Duration
	onRefresh func(serials []string)
	stop      chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
}

// NewRefreshTimer creates a timer for store. onRefresh, when non-nil, is
// called with the serials after every successful refresh.
func NewRefreshTimer(store *Store, interval time.Duration, logger *slog.Logger, onRefresh func([]string)) *RefreshTimer {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshTimer{
		store:     store,
		logger:    logger,
		interval:  interval,
		onRefresh: onRefresh,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the timer loop is active.
func (t *RefreshTimer) Running() bool {
	return t.running.Load()
}

// Start refreshes once immediately, then on every tick until ctx is done
// or Stop is called.
func (t *RefreshTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.safeRefresh(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRefresh(ctx)
		}
	}
}

// Stop signals the timer to stop. Safe to call more than once.
func (t *RefreshTimer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *RefreshTimer) safeRefresh(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in certificate refresh", "panic", fmt.Sprint(r))
		}
	}()
	if err := t.store.Refresh(ctx); err != nil {
		// The store already logged it and kept the previous table.
		return
	}
	if t.onRefresh != nil {
		t.onRefresh(t.store.Serials())
	}
}
