package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/oriys/coffeeshop/internal/logging"
)

// Redis is a list-backed queue for deployments without SQS. Message ids are
// UUIDs minted by this layer at Send time, preserving the broker-assigns-ids
// contract. Leases are tracked in a sorted set scored by deadline; expired
// leases are reaped opportunistically on Receive.
type Redis struct {
	client *redis.Client
	prefix string
	lease  time.Duration
}

// NewRedis builds a Redis queue under the given key prefix.
func NewRedis(client *redis.Client, prefix string, visibility time.Duration) *Redis {
	if prefix == "" {
		prefix = "coffeeshop:queue"
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &Redis{client: client, prefix: prefix, lease: visibility}
}

func (q *Redis) readyKey() string        { return q.prefix + ":ready" }
func (q *Redis) leasedKey() string       { return q.prefix + ":leased" }
func (q *Redis) msgKey(id string) string { return q.prefix + ":msg:" + id }

// Send stores the body and pushes the minted id onto the ready list.
func (q *Redis) Send(ctx context.Context, body string) (string, error) {
	id := uuid.NewString()
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.msgKey(id), body, 0)
	pipe.LPush(ctx, q.readyKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("queue: redis send: %w", err)
	}
	return id, nil
}

// Receive pops the oldest ready id, leases it, and loads its body.
func (q *Redis) Receive(ctx context.Context, wait time.Duration) (*Delivery, error) {
	q.reap(ctx)

	id, err := q.client.BLMove(ctx, q.readyKey(), q.leasedKey(), "RIGHT", "LEFT", clampWait(wait)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("queue: redis receive: %w", err)
	}

	deadline := float64(time.Now().Add(q.lease).Unix())
	if err := q.client.ZAdd(ctx, q.leasedKey()+":deadlines", redis.Z{Score: deadline, Member: id}).Err(); err != nil {
		logging.Op().Warn("queue: lease deadline not recorded", "id", id, "error", err)
	}

	body, err := q.client.Get(ctx, q.msgKey(id)).Result()
	if err != nil {
		// Body lost (deleted elsewhere or evicted): surface as empty poll
		// after dropping the dangling lease.
		q.dropLease(ctx, id)
		return nil, ErrNoMessage
	}

	del := func(ctx context.Context) error {
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.leasedKey(), 1, id)
		pipe.ZRem(ctx, q.leasedKey()+":deadlines", id)
		pipe.Del(ctx, q.msgKey(id))
		_, err := pipe.Exec(ctx)
		return err
	}
	ret := func(ctx context.Context) error {
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.leasedKey(), 1, id)
		pipe.ZRem(ctx, q.leasedKey()+":deadlines", id)
		// Right push so the returned message is the next one popped.
		pipe.RPush(ctx, q.readyKey(), id)
		_, err := pipe.Exec(ctx)
		return err
	}
	return newDelivery(id, body, del, ret), nil
}

// reap moves expired leases back to the ready list.
func (q *Redis) reap(ctx context.Context) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	expired, err := q.client.ZRangeByScore(ctx, q.leasedKey()+":deadlines", &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil || len(expired) == 0 {
		return
	}
	for _, id := range expired {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.leasedKey()+":deadlines", id)
		pipe.LRem(ctx, q.leasedKey(), 1, id)
		pipe.RPush(ctx, q.readyKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			logging.Op().Warn("queue: lease reap failed", "id", id, "error", err)
		}
	}
}

func (q *Redis) dropLease(ctx context.Context, id string) {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.leasedKey(), 1, id)
	pipe.ZRem(ctx, q.leasedKey()+":deadlines", id)
	_, _ = pipe.Exec(ctx)
}

// Close closes the underlying Redis client.
func (q *Redis) Close() error { return q.client.Close() }
