package httpcore

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatchIdleFiresWhenInactive(t *testing.T) {
	var fired atomic.Bool
	watchIdle(context.Background(), 10*time.Millisecond, func() bool { return false }, func() { fired.Store(true) })
	if !fired.Load() {
		t.Fatal("watchIdle should call onTimeout once the window elapses with no activity")
	}
}

func TestWatchIdleResetsOnActivity(t *testing.T) {
	var calls atomic.Int32
	var active atomic.Bool
	active.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		watchIdle(ctx, 10*time.Millisecond, active.Load, func() { calls.Add(1) })
		close(done)
	}()
	<-done

	if calls.Load() != 0 {
		t.Fatalf("onTimeout should not fire while active() keeps reporting true, got %d calls", calls.Load())
	}
}

func TestWatchIdleZeroTimeoutDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	watchIdle(ctx, 0, func() bool { return false }, func() { called = true })
	if called {
		t.Fatal("a non-positive timeout should disable the watcher entirely")
	}
}
