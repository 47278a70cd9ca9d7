package table

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTable stores result rows as per-ticket hashes with EXPIREAT eviction.
type RedisTable struct {
	client *redis.Client
	prefix string
}

// NewRedisTable builds a Redis-backed table under the given key prefix.
func NewRedisTable(client *redis.Client, prefix string) *RedisTable {
	if prefix == "" {
		prefix = "coffeeshop:results"
	}
	return &RedisTable{client: client, prefix: prefix}
}

func (t *RedisTable) key(ticket string) string {
	return t.prefix + ":" + ticket
}

// Put writes one result row and arms its expiry.
func (t *RedisTable) Put(ctx context.Context, row *Row) error {
	if err := validatePut(row); err != nil {
		return err
	}
	fields := map[string]any{
		"success":     boolField(row.Success),
		"status_code": row.StatusCode,
		"ttl":         row.Expiry.Unix(),
	}
	if row.Success {
		fields["output"] = row.Output
	} else {
		fields["error"] = row.Error
	}

	pipe := t.client.TxPipeline()
	pipe.Del(ctx, t.key(row.Ticket))
	pipe.HSet(ctx, t.key(row.Ticket), fields)
	pipe.ExpireAt(ctx, t.key(row.Ticket), row.Expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("table: redis put %s: %w", row.Ticket, err)
	}
	return nil
}

// Get reads one row.
func (t *RedisTable) Get(ctx context.Context, ticket string) (*Row, error) {
	fields, err := t.client.HGetAll(ctx, t.key(ticket)).Result()
	if err != nil {
		return nil, fmt.Errorf("table: redis get %s: %w", ticket, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	statusCode, _ := strconv.Atoi(fields["status_code"])
	ttl, _ := strconv.ParseInt(fields["ttl"], 10, 64)
	row := &Row{
		Ticket:     ticket,
		Success:    fields["success"] == "1",
		StatusCode: statusCode,
		Error:      fields["error"],
		Expiry:     time.Unix(ttl, 0),
	}
	if out, ok := fields["output"]; ok {
		row.Output = []byte(out)
	}
	return row, nil
}

// StatusBatch pipelines one HGET per ticket.
func (t *RedisTable) StatusBatch(ctx context.Context, tickets []string) (map[string]bool, error) {
	if err := validateBatch(tickets); err != nil {
		return nil, err
	}
	if len(tickets) == 0 {
		return map[string]bool{}, nil
	}

	pipe := t.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(tickets))
	for _, ticket := range tickets {
		cmds[ticket] = pipe.HGet(ctx, t.key(ticket), "success")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("table: redis status batch: %w", err)
	}

	result := make(map[string]bool, len(tickets))
	for ticket, cmd := range cmds {
		v, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			continue
		}
		result[ticket] = v == "1"
	}
	return result, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Close closes the underlying Redis client.
func (t *RedisTable) Close() error { return t.client.Close() }
