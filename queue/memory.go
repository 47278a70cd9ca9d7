package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memMessage struct {
	id        string
	body      string
	visibleAt time.Time
	deleted   bool
}

// Memory is an in-process queue for tests and single-shop local runs. It
// keeps the same contract as the remote backends: broker-minted ids,
// FIFO delivery, and visibility-timeout redelivery.
type Memory struct {
	mu       sync.Mutex
	messages []*memMessage
	lease    time.Duration
	notify   chan struct{}
	closed   bool
}

// NewMemory creates an in-process queue with the given visibility timeout.
func NewMemory(visibility time.Duration) *Memory {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &Memory{
		lease:  visibility,
		notify: make(chan struct{}, 1),
	}
}

// Send appends a message and wakes one blocked receiver.
func (q *Memory) Send(_ context.Context, body string) (string, error) {
	id := uuid.NewString()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	q.messages = append(q.messages, &memMessage{id: id, body: body, visibleAt: time.Now()})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return id, nil
}

// Receive returns the oldest visible message, blocking up to min(wait, MaxWait).
func (q *Memory) Receive(ctx context.Context, wait time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(clampWait(wait))
	for {
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		if d := q.tryReceive(); d != nil {
			return d, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrNoMessage
		}
		// Bounded re-scan so a lease expiry mid-wait is noticed.
		if remaining > 50*time.Millisecond {
			remaining = 50 * time.Millisecond
		}
		timer := time.NewTimer(remaining)
		select {
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (q *Memory) tryReceive() *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for _, m := range q.messages {
		if m.deleted || m.visibleAt.After(now) {
			continue
		}
		m.visibleAt = now.Add(q.lease)
		msg := m
		del := func(context.Context) error {
			q.mu.Lock()
			msg.deleted = true
			q.mu.Unlock()
			return nil
		}
		ret := func(context.Context) error {
			q.mu.Lock()
			msg.visibleAt = time.Now()
			q.mu.Unlock()
			select {
			case q.notify <- struct{}{}:
			default:
			}
			return nil
		}
		return newDelivery(m.id, m.body, del, ret)
	}
	return nil
}

// Depth counts undeleted messages, visible or leased. Test helper.
func (q *Memory) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, m := range q.messages {
		if !m.deleted {
			n++
		}
	}
	return n
}

// Close marks the queue closed; later Send and Receive calls fail with
// ErrClosed. Blocked receivers wake and fail on their next scan.
func (q *Memory) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}
