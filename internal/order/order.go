// Package order implements the per-shop rendezvous between waiting HTTP
// handlers and globally-broadcast completion events: a write-once outcome
// slot per ticket, and the concurrent map holding them.
package order

import (
	"context"
	"sync/atomic"
	"time"
)

// Outcome is the terminal fate of one ticket as observed by this shop.
// It records when the slot was written and whether processing succeeded;
// the result body itself lives in the shared table.
type Outcome struct {
	At      time.Time
	Success bool
}

// Order is the rendezvous for one ticket. The outcome slot is written at
// most once; the first write closes the done channel, waking every waiter.
type Order struct {
	ticket  string
	outcome atomic.Pointer[Outcome]
	done    chan struct{}

	// refs counts HTTP handlers currently waiting on this order. The purge
	// sweep only removes orders with zero refs.
	refs atomic.Int64
}

// New creates an unfulfilled order for a ticket.
func New(ticket string) *Order {
	return &Order{
		ticket: ticket,
		done:   make(chan struct{}),
	}
}

// Ticket returns the order's immutable ticket id.
func (o *Order) Ticket() string { return o.ticket }

// Fulfill writes the outcome slot. The first call wins, broadcasts to all
// waiters, and returns true. Later calls are idempotent no-ops returning
// false; callers treat that as success.
func (o *Order) Fulfill(success bool) bool {
	out := &Outcome{At: time.Now(), Success: success}
	if !o.outcome.CompareAndSwap(nil, out) {
		return false
	}
	close(o.done)
	return true
}

// Outcome returns the slot contents, or nil while unfulfilled. Once a
// non-nil outcome has been observed, every later call observes it too.
func (o *Order) Outcome() *Outcome {
	return o.outcome.Load()
}

// Done returns a channel closed when the outcome slot is written.
func (o *Order) Done() <-chan struct{} { return o.done }

// Wait blocks until the order is fulfilled, the timeout lapses, or ctx is
// cancelled. A zero or negative timeout means "no wait": the current slot
// state is returned immediately. The second return is false on timeout or
// cancellation.
func (o *Order) Wait(ctx context.Context, timeout time.Duration) (*Outcome, bool) {
	if out := o.outcome.Load(); out != nil {
		return out, true
	}
	if timeout <= 0 {
		return nil, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-o.done:
		return o.outcome.Load(), true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Acquire registers a waiting HTTP handler; pair with Release.
func (o *Order) Acquire() { o.refs.Add(1) }

// Release drops a handler reference taken by Acquire.
func (o *Order) Release() { o.refs.Add(-1) }

// Stale reports whether the order is eligible for purging at the given
// instant: no handler references it and its outcome was written more than
// maxAge ago.
func (o *Order) Stale(now time.Time, maxAge time.Duration) bool {
	if o.refs.Load() != 0 {
		return false
	}
	out := o.outcome.Load()
	return out != nil && now.Sub(out.At) > maxAge
}
