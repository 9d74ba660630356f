// Package pool implements a fixed connection pool: N parallel tracked
// connection slots, round-robined across calls, each lazily (re)created and
// pinned under a per-slot mutex while in use.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/buildxl/distproxy/internal/transport"
)

// Dialer opens a fresh Proxy. The pool calls it under a slot's mutex whenever
// that slot needs a live transport, so Dialer implementations do not need to
// worry about concurrent invocation for the same slot.
type Dialer func(ctx context.Context) (transport.Proxy, error)

// DefaultRefreshTimeout bounds how long a dirty slot may persist before
// recreation.
const DefaultRefreshTimeout = 30 * time.Second

// slot is one tracked connection: an optional live proxy, a per-slot
// mutex so at most one (re)connection attempt is ever in flight, a dirty flag
// honored only once the slot has been idle past the refresh timeout past its
// last successful use.
type slot struct {
	mu          sync.Mutex
	proxy       transport.Proxy
	dirty       bool
	lastSuccess time.Time
}

// Pool holds the fixed set of slots a Manager round-robins calls across.
type Pool struct {
	slots          []*slot
	next           atomic.Uint64
	dial           Dialer
	refreshTimeout time.Duration
	logger         *zap.Logger
}

// New creates a Pool with n slots (n >= 1, default 1).
func New(n int, dial Dialer, refreshTimeout time.Duration, logger *zap.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	if refreshTimeout <= 0 {
		refreshTimeout = DefaultRefreshTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	slots := make([]*slot, n)
	for i := range slots {
		slots[i] = &slot{}
	}
	return &Pool{slots: slots, dial: dial, refreshTimeout: refreshTimeout, logger: logger.Named("pool")}
}

// Acquired is a scoped handle on one slot: guaranteed release on every exit
// path via Release, with MarkSuccess/MarkFailed recording the outcome before
// release so the next caller knows whether to recreate.
type Acquired struct {
	p         *Pool
	index     int
	s         *slot
	Proxy     transport.Proxy
	Recreated bool
	success   bool
	failed    bool
}

// Acquire round-robins to the next slot (atomic counter mod N, no load
// balancing) and ensures it has a live, non-stale transport before returning
// it.
func (p *Pool) Acquire(ctx context.Context) (*Acquired, error) {
	idx := int(p.next.Add(1)-1) % len(p.slots)
	s := p.slots[idx]

	proxy, recreated, err := p.connectAndPin(ctx, s)
	if err != nil {
		// Acquisition failed outright: mark dirty so the next caller
		// attempts a fresh connect rather than reusing a half-open one.
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return nil, fmt.Errorf("pool: acquire slot %d: %w", idx, err)
	}
	if recreated {
		p.logger.Debug("slot recreated", zap.Int("slot", idx))
	}

	return &Acquired{p: p, index: idx, s: s, Proxy: proxy, Recreated: recreated}, nil
}

// connectAndPin ensures slot s has a live transport, under s's mutex,
// recreating it iff both the dirty flag is set and the slot has been idle
// beyond the refresh timeout.
func (p *Pool) connectAndPin(ctx context.Context, s *slot) (transport.Proxy, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proxy == nil {
		proxy, err := p.dial(ctx)
		if err != nil {
			return nil, false, err
		}
		s.proxy = proxy
		s.dirty = false
		return s.proxy, true, nil
	}

	if s.dirty && time.Since(s.lastSuccess) > p.refreshTimeout {
		_ = s.proxy.Close()
		proxy, err := p.dial(ctx)
		if err != nil {
			s.proxy = nil
			return nil, false, err
		}
		s.proxy = proxy
		s.dirty = false
		return s.proxy, true, nil
	}

	return s.proxy, false, nil
}

// MarkSuccess records that the operation performed on this slot succeeded —
// the slot's transport is healthy and its last-success timestamp advances.
func (a *Acquired) MarkSuccess() {
	a.success = true
	a.s.mu.Lock()
	a.s.lastSuccess = time.Now()
	a.s.dirty = false
	a.s.mu.Unlock()
}

// MarkFailed records that the operation failed; the slot is flagged dirty so
// the next acquirer recreates it once the refresh timeout has elapsed.
func (a *Acquired) MarkFailed() {
	a.failed = true
	a.s.mu.Lock()
	a.s.dirty = true
	a.s.mu.Unlock()
}

// Release returns the slot to the pool. If the caller did not call
// MarkSuccess or MarkFailed, the operation is assumed not to have succeeded
// and the slot is marked dirty so the next caller triggers a recreate.
func (a *Acquired) Release() {
	if !a.success && !a.failed {
		a.MarkFailed()
	}
}

// Close disposes every slot's transport. Safe to call once; a second call is
// a no-op at the Proxy level since Connection.Close is itself idempotent via
// sync.Once.
func (p *Pool) Close() error {
	var firstErr error
	for i, s := range p.slots {
		s.mu.Lock()
		if s.proxy != nil {
			if err := s.proxy.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("pool: close slot %d: %w", i, err)
			}
			s.proxy = nil
		}
		s.mu.Unlock()
	}
	return firstErr
}

// Len returns the number of slots in the pool.
func (p *Pool) Len() int { return len(p.slots) }
