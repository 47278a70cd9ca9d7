// Package queue abstracts the shared, at-least-once work queue a shop fleet
// drains. Implementations must hand out broker-assigned message ids: the id
// of an enqueued message becomes the cluster-wide ticket, so per-cluster
// uniqueness is the broker's problem, not the framework's.
package queue

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/oriys/coffeeshop/internal/logging"
)

// MaxWait caps one long-poll regardless of the configured idle wait.
const MaxWait = 20 * time.Second

var (
	// ErrNoMessage is returned when the queue is empty after the long-poll.
	ErrNoMessage = errors.New("queue: no message available")

	// ErrReceiptFinalized is returned when a delivery receives a second
	// terminal transition. Callers treat it as an idempotent success but
	// it indicates a caller bug.
	ErrReceiptFinalized = errors.New("queue: receipt already finalized")

	// ErrClosed is returned for operations on a closed queue.
	ErrClosed = errors.New("queue: closed")
)

// Queue is a handle to the shared work queue, safe for concurrent use.
type Queue interface {
	// Send enqueues a body and returns the broker-assigned ticket.
	Send(ctx context.Context, body string) (ticket string, err error)

	// Receive long-polls for one message, waiting at most min(wait, MaxWait).
	// Returns ErrNoMessage when the queue stays empty.
	Receive(ctx context.Context, wait time.Duration) (*Delivery, error)

	// Close releases the broker connection.
	Close() error
}

// receipt states
const (
	receiptReceived int32 = iota
	receiptDeleted
	receiptReturned
)

// Delivery is one received message plus its staged receipt. Exactly one of
// Delete or Return must be called before the delivery is dropped; a delivery
// garbage-collected without a terminal transition is logged at error level,
// and the broker's visibility timeout eventually re-surfaces the message.
type Delivery struct {
	Ticket string
	Body   string

	state    atomic.Int32
	deleteFn func(context.Context) error
	returnFn func(context.Context) error
}

func newDelivery(ticket, body string, del, ret func(context.Context) error) *Delivery {
	d := &Delivery{
		Ticket:   ticket,
		Body:     body,
		deleteFn: del,
		returnFn: ret,
	}
	runtime.SetFinalizer(d, func(d *Delivery) {
		if !d.Finalized() {
			logging.Op().Error("queue receipt dropped without terminal transition",
				"ticket", d.Ticket)
		}
	})
	return d
}

// Delete acknowledges the message, removing it from the queue.
func (d *Delivery) Delete(ctx context.Context) error {
	if !d.state.CompareAndSwap(receiptReceived, receiptDeleted) {
		return ErrReceiptFinalized
	}
	if err := d.deleteFn(ctx); err != nil {
		// The broker call failed but the receipt stays terminal; the
		// visibility timeout covers the message either way.
		return err
	}
	return nil
}

// Return makes the message immediately redeliverable (visibility zero).
func (d *Delivery) Return(ctx context.Context) error {
	if !d.state.CompareAndSwap(receiptReceived, receiptReturned) {
		return ErrReceiptFinalized
	}
	return d.returnFn(ctx)
}

// Finalized reports whether a terminal transition happened.
func (d *Delivery) Finalized() bool {
	return d.state.Load() != receiptReceived
}

// clampWait bounds a long-poll duration to (0, MaxWait].
func clampWait(wait time.Duration) time.Duration {
	if wait <= 0 || wait > MaxWait {
		return MaxWait
	}
	return wait
}
