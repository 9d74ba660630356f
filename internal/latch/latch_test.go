package latch

import (
	"context"
	"testing"
	"time"
)

func TestNewLatchStartsUnfulfilled(t *testing.T) {
	l := New()
	if l.Fulfilled() {
		t.Fatal("new latch must start unfulfilled")
	}
}

func TestFulfillWakesWaiters(t *testing.T) {
	l := New()
	done := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- l.Wait(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	l.Fulfill()

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("Wait should have returned true after Fulfill")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Fulfill")
	}
	if !l.Fulfilled() {
		t.Fatal("latch should report fulfilled after Fulfill")
	}
}

func TestWaitReturnsFalseOnContextDone(t *testing.T) {
	l := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if l.Wait(ctx) {
		t.Fatal("Wait should return false when ctx expires before Fulfill")
	}
}

func TestResetReturnsToUnfulfilled(t *testing.T) {
	l := New()
	l.Fulfill()
	if !l.Fulfilled() {
		t.Fatal("expected fulfilled after Fulfill")
	}
	l.Reset()
	if l.Fulfilled() {
		t.Fatal("expected unfulfilled after Reset")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if l.Wait(ctx) {
		t.Fatal("Wait should block after Reset until the latch is fulfilled again")
	}
}

func TestMakeTerminalBlocksFurtherFulfill(t *testing.T) {
	l := New()
	l.MakeTerminal()
	l.Fulfill()
	if l.Fulfilled() {
		t.Fatal("Fulfill after MakeTerminal must be a no-op")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if l.Wait(ctx) {
		t.Fatal("Wait must never return true once the latch is terminal")
	}
}

func TestMakeTerminalReopensAnAlreadyFulfilledLatch(t *testing.T) {
	l := New()
	l.Fulfill()
	if !l.Fulfilled() {
		t.Fatal("expected fulfilled before MakeTerminal")
	}
	l.MakeTerminal()
	if l.Fulfilled() {
		t.Fatal("MakeTerminal must unfulfill a previously-fulfilled latch")
	}
}

func TestFulfillIsIdempotent(t *testing.T) {
	l := New()
	l.Fulfill()
	l.Fulfill()
	if !l.Fulfilled() {
		t.Fatal("second Fulfill call should remain a harmless no-op")
	}
}
