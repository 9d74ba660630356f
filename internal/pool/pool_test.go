package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/buildxl/distproxy/internal/transport"
	"github.com/buildxl/distproxy/internal/wire"
)

// fakeProxy is a transport.Proxy test double that counts Close calls and can
// be made to fail to dial via fakeDialer.
type fakeProxy struct {
	closed atomic.Bool
}

func (f *fakeProxy) BeginRequest(string, wire.Header, [16]byte, []byte) (*transport.AsyncHandle, error) {
	return nil, errors.New("not implemented in fake")
}
func (f *fakeProxy) EndRequest(context.Context, *transport.AsyncHandle) (*wire.Frame, error) {
	return nil, errors.New("not implemented in fake")
}
func (f *fakeProxy) CancelRequest(*transport.AsyncHandle) {}
func (f *fakeProxy) Close() error {
	f.closed.Store(true)
	return nil
}

func fakeDialer(dialCount *atomic.Int64, fail bool) Dialer {
	return func(ctx context.Context) (transport.Proxy, error) {
		dialCount.Add(1)
		if fail {
			return nil, errors.New("dial failed")
		}
		return &fakeProxy{}, nil
	}
}

func TestAcquireDialsLazilyOnFirstUse(t *testing.T) {
	var dials atomic.Int64
	p := New(2, fakeDialer(&dials, false), time.Second, nil)

	a, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	a.MarkSuccess()
	a.Release()

	if dials.Load() != 1 {
		t.Fatalf("expected exactly one dial on first acquire, got %d", dials.Load())
	}
}

func TestAcquireRoundRobinsAcrossSlots(t *testing.T) {
	var dials atomic.Int64
	p := New(3, fakeDialer(&dials, false), time.Second, nil)

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		a, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		seen[a.index] = true
		a.MarkSuccess()
		a.Release()
	}
	if len(seen) != 3 {
		t.Fatalf("expected all 3 slots to be visited in round-robin order, got %d distinct slots", len(seen))
	}
}

func TestReleaseWithoutMarkSucceededMarksSlotDirty(t *testing.T) {
	var dials atomic.Int64
	p := New(1, fakeDialer(&dials, false), time.Second, nil)

	a, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	a.Release() // no MarkSuccess/MarkFailed

	if !a.s.dirty {
		t.Fatal("expected slot to be marked dirty when released without an outcome")
	}
}

func TestAcquireReportsRecreatedOnFirstDialAndOnRefresh(t *testing.T) {
	var dials atomic.Int64
	refresh := 10 * time.Millisecond
	p := New(1, fakeDialer(&dials, false), refresh, nil)

	a, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !a.Recreated {
		t.Fatal("expected Recreated to be true on the first dial of a slot")
	}
	a.MarkSuccess()
	a.Release()

	a2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if a2.Recreated {
		t.Fatal("expected Recreated to be false for a clean, non-stale slot")
	}
	a2.MarkFailed()
	a2.Release()

	time.Sleep(2 * refresh)

	a3, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("third Acquire failed: %v", err)
	}
	if !a3.Recreated {
		t.Fatal("expected Recreated to be true once a dirty slot passes its refresh timeout")
	}
}

func TestDirtySlotRecreatesAfterRefreshTimeout(t *testing.T) {
	var dials atomic.Int64
	refresh := 10 * time.Millisecond
	p := New(1, fakeDialer(&dials, false), refresh, nil)

	a, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	a.MarkFailed()
	a.Release()

	time.Sleep(2 * refresh)

	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if dials.Load() != 2 {
		t.Fatalf("expected slot to redial after being dirty past the refresh timeout, got %d dials", dials.Load())
	}
}

func TestAcquireFailurePropagatesDialError(t *testing.T) {
	var dials atomic.Int64
	p := New(1, fakeDialer(&dials, true), time.Second, nil)

	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatal("expected Acquire to fail when the dialer fails")
	}
}

func TestCloseClosesAllLiveSlots(t *testing.T) {
	var dials atomic.Int64
	p := New(2, fakeDialer(&dials, false), time.Second, nil)

	a1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	a1.MarkSuccess()
	a1.Release()

	a2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	a2.MarkSuccess()
	a2.Release()

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for i, s := range p.slots {
		if s.proxy != nil {
			t.Fatalf("slot %d still holds a proxy reference after Close", i)
		}
	}
}

func TestLenReportsSlotCount(t *testing.T) {
	var dials atomic.Int64
	p := New(4, fakeDialer(&dials, false), time.Second, nil)
	if p.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", p.Len())
	}
}

func TestNewClampsNonPositiveSlotCountToOne(t *testing.T) {
	var dials atomic.Int64
	p := New(0, fakeDialer(&dials, false), time.Second, nil)
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 when constructed with n <= 0", p.Len())
	}
}
