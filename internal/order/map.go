package order

import (
	"errors"
	"sync"
	"time"
)

// ErrCapacity reports that the orders map is at its configured cap.
var ErrCapacity = errors.New("order: outstanding ticket cap reached")

// Map is the per-shop ticket → order table. Reads dominate; writes hold the
// lock only for insert and remove. Sweeps snapshot under the read lock and
// do their I/O outside it.
type Map struct {
	mu     sync.RWMutex
	orders map[string]*Order

	// max caps resident orders; zero disables the cap.
	max int
}

// NewMap creates an orders map with the given outstanding-ticket cap.
func NewMap(max int) *Map {
	return &Map{
		orders: make(map[string]*Order),
		max:    max,
	}
}

// Get returns the order for a ticket, or nil.
func (m *Map) Get(ticket string) *Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orders[ticket]
}

// GetOrCreate returns the existing order for a ticket or registers a fresh
// one. The boolean is true when a new order was created. ErrCapacity is
// returned when creating would exceed the cap.
func (m *Map) GetOrCreate(ticket string) (*Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[ticket]; ok {
		return o, false, nil
	}
	if m.max > 0 && len(m.orders) >= m.max {
		return nil, false, ErrCapacity
	}
	o := New(ticket)
	m.orders[ticket] = o
	return o, true, nil
}

// Fulfill writes the outcome slot of a locally-registered order. Returns
// true only when this call wrote the slot: unknown tickets and redundant
// fulfillments return false.
func (m *Map) Fulfill(ticket string, success bool) bool {
	o := m.Get(ticket)
	if o == nil {
		return false
	}
	return o.Fulfill(success)
}

// Len returns the number of resident orders.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.orders)
}

// Unfulfilled snapshots the tickets whose outcome slot is still empty.
func (m *Map) Unfulfilled() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var tickets []string
	for t, o := range m.orders {
		if o.Outcome() == nil {
			tickets = append(tickets, t)
		}
	}
	return tickets
}

// Purge removes every stale order and returns how many were dropped.
func (m *Map) Purge(maxAge time.Duration) int {
	now := time.Now()

	m.mu.RLock()
	var stale []string
	for t, o := range m.orders {
		if o.Stale(now, maxAge) {
			stale = append(stale, t)
		}
	}
	m.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	removed := 0
	m.mu.Lock()
	for _, t := range stale {
		// Re-check under the write lock; a handler may have grabbed a
		// reference between the snapshot and now.
		if o, ok := m.orders[t]; ok && o.Stale(now, maxAge) {
			delete(m.orders, t)
			removed++
		}
	}
	m.mu.Unlock()
	return removed
}
