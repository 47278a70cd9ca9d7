package order

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestFulfillWriteOnce(t *testing.T) {
	o := New("t1")

	if !o.Fulfill(true) {
		t.Fatal("first fulfill must win")
	}
	if o.Fulfill(false) {
		t.Fatal("second fulfill must be a no-op")
	}

	out := o.Outcome()
	if out == nil || !out.Success {
		t.Fatalf("outcome overwritten: %+v", out)
	}
}

func TestFulfillConcurrent(t *testing.T) {
	o := New("t1")

	var wg sync.WaitGroup
	wins := make(chan bool, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			wins <- o.Fulfill(n%2 == 0)
		}(i)
	}
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winning fulfill, got %d", won)
	}
	if o.Outcome() == nil {
		t.Fatal("outcome empty after fulfillment")
	}
}

func TestWaitNoWait(t *testing.T) {
	o := New("t1")

	if _, ok := o.Wait(context.Background(), 0); ok {
		t.Fatal("zero timeout on unfulfilled order must not block or succeed")
	}
	if _, ok := o.Wait(context.Background(), -time.Second); ok {
		t.Fatal("negative timeout must behave like zero")
	}

	o.Fulfill(true)
	if out, ok := o.Wait(context.Background(), 0); !ok || out == nil {
		t.Fatal("zero timeout on fulfilled order must return the outcome")
	}
}

func TestWaitWakesOnFulfill(t *testing.T) {
	o := New("t1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if out, ok := o.Wait(context.Background(), 5*time.Second); !ok || !out.Success {
			t.Errorf("waiter not woken with success: ok=%v out=%+v", ok, out)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	o.Fulfill(true)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter still blocked after fulfillment")
	}
}

func TestWaitTimeout(t *testing.T) {
	o := New("t1")

	start := time.Now()
	if _, ok := o.Wait(context.Background(), 30*time.Millisecond); ok {
		t.Fatal("expected timeout")
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("returned too early: %s", elapsed)
	}
}

func TestWaitCancelled(t *testing.T) {
	o := New("t1")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, ok := o.Wait(ctx, time.Minute); ok {
			t.Error("cancelled wait must not succeed")
		}
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait ignored cancellation")
	}
}

func TestOutcomeMonotonic(t *testing.T) {
	o := New("t1")
	o.Fulfill(false)

	for i := 0; i < 100; i++ {
		if o.Outcome() == nil {
			t.Fatal("fulfilled order read as empty")
		}
	}
}

func TestStale(t *testing.T) {
	o := New("t1")
	maxAge := time.Minute

	if o.Stale(time.Now(), maxAge) {
		t.Fatal("unfulfilled order must not be stale")
	}

	o.Fulfill(true)
	if o.Stale(time.Now(), maxAge) {
		t.Fatal("freshly fulfilled order must not be stale")
	}
	if !o.Stale(time.Now().Add(2*time.Minute), maxAge) {
		t.Fatal("aged fulfilled order must be stale")
	}

	o.Acquire()
	if o.Stale(time.Now().Add(2*time.Minute), maxAge) {
		t.Fatal("referenced order must not be stale")
	}
	o.Release()
	if !o.Stale(time.Now().Add(2*time.Minute), maxAge) {
		t.Fatal("released order must be stale again")
	}
}
