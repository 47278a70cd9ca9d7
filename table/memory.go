package table

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process table for tests and single-shop local runs.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]*Row
}

// NewMemory creates an empty in-process table.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]*Row)}
}

// Put stores a copy of the row.
func (t *Memory) Put(_ context.Context, row *Row) error {
	if err := validatePut(row); err != nil {
		return err
	}
	clone := *row
	t.mu.Lock()
	t.rows[row.Ticket] = &clone
	t.mu.Unlock()
	return nil
}

// Get returns the row for a ticket, honoring expiry.
func (t *Memory) Get(_ context.Context, ticket string) (*Row, error) {
	t.mu.RLock()
	row, ok := t.rows[ticket]
	t.mu.RUnlock()
	if !ok || !row.Expiry.After(time.Now()) {
		return nil, ErrNotFound
	}
	clone := *row
	return &clone, nil
}

// StatusBatch returns success flags for the readable subset of tickets.
func (t *Memory) StatusBatch(_ context.Context, tickets []string) (map[string]bool, error) {
	if err := validateBatch(tickets); err != nil {
		return nil, err
	}
	now := time.Now()
	result := make(map[string]bool, len(tickets))
	t.mu.RLock()
	for _, ticket := range tickets {
		if row, ok := t.rows[ticket]; ok && row.Expiry.After(now) {
			result[ticket] = row.Success
		}
	}
	t.mu.RUnlock()
	return result, nil
}

// Close is a no-op.
func (t *Memory) Close() error { return nil }
