// Package table abstracts the shared result store keyed by ticket. A row is
// written once per processed message (redelivered messages may overwrite it
// with equal content) and evicted by the store once its TTL passes.
package table

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// StatusBatchLimit is the most tickets one batched status fetch may carry.
// Callers chunk above it; implementations reject larger requests.
const StatusBatchLimit = 100

var (
	// ErrNotFound is returned for tickets with no readable row, including
	// rows already past their TTL.
	ErrNotFound = errors.New("table: result not found")
)

// Row is one processing result.
// Exactly one of Output and Error is populated, selected by Success.
type Row struct {
	Ticket     string
	Success    bool
	StatusCode int
	// Output is the compressed binary output column, present iff Success.
	Output []byte
	// Error is the JSON error envelope, present iff !Success. It round-trips
	// byte-exact so every shop reports the same body for a failed ticket.
	Error  string
	Expiry time.Time
}

// Table is a handle to the shared result store, safe for concurrent use.
type Table interface {
	// Put writes a row. The row's Expiry must be in the future.
	Put(ctx context.Context, row *Row) error

	// Get reads the row for a ticket, or ErrNotFound.
	Get(ctx context.Context, ticket string) (*Row, error)

	// StatusBatch fetches success flags for up to StatusBatchLimit tickets.
	// Tickets without a readable row are absent from the result map.
	StatusBatch(ctx context.Context, tickets []string) (map[string]bool, error)

	// Close releases the store connection.
	Close() error
}

func validatePut(row *Row) error {
	if row.Ticket == "" {
		return fmt.Errorf("table: empty ticket")
	}
	if !row.Expiry.After(time.Now()) {
		return fmt.Errorf("table: expiry %s is not in the future", row.Expiry)
	}
	return nil
}

func validateBatch(tickets []string) error {
	if len(tickets) > StatusBatchLimit {
		return fmt.Errorf("table: status batch of %d exceeds limit %d", len(tickets), StatusBatchLimit)
	}
	return nil
}
