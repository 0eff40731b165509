// Package queue consumes job messages from a Redis stream with per-message
// visibility timeouts, receive counting, and a dead-letter stream.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const bodyField = "body"

// Delivery is one received message. It stays pending until deleted;
// a pending delivery idle longer than the visibility timeout is redelivered.
type Delivery struct {
	ID           string
	Body         []byte
	ReceiveCount int
}

// Queue is the consumer side of the job queue.
type Queue interface {
	// Receive waits up to wait for one message. It returns (nil, nil) when
	// the poll times out empty.
	Receive(ctx context.Context, wait time.Duration) (*Delivery, error)
	// Delete acknowledges d so it is never redelivered.
	Delete(ctx context.Context, d *Delivery) error
	// Release gives d back for redelivery after the visibility timeout.
	Release(ctx context.Context, d *Delivery) error
	Ping(ctx context.Context) error
}

// Config describes the stream layout and delivery policy.
type Config struct {
	Stream            string
	Group             string
	Consumer          string
	DeadLetterStream  string
	VisibilityTimeout time.Duration
	MaxReceive        int
}

// RedisStreamQueue implements Queue on a Redis stream consumer group.
type RedisStreamQueue struct {
	client *redis.Client
	cfg    Config
	logger *slog.Logger
}

// NewRedisStreamQueue creates a queue consumer. Call EnsureGroup once before use.
func NewRedisStreamQueue(client *redis.Client, cfg Config) *RedisStreamQueue {
	return &RedisStreamQueue{
		client: client,
		cfg:    cfg,
		logger: slog.With("component", "queue", "stream", cfg.Stream),
	}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse queue URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// EnsureGroup creates the stream and consumer group if they do not exist.
// The group starts at the beginning of the stream so nothing enqueued before
// the first worker came up is skipped.
func (q *RedisStreamQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("create consumer group: %w", err)
}

func (q *RedisStreamQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue appends a message body. Producers live outside the worker; this is
// here for tooling and tests.
func (q *RedisStreamQueue) Enqueue(ctx context.Context, body []byte) (string, error) {
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{bodyField: string(body)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

func (q *RedisStreamQueue) Receive(ctx context.Context, wait time.Duration) (*Delivery, error) {
	for {
		d, err := q.reclaim(ctx)
		if err != nil {
			return nil, err
		}
		if d == nil {
			d, err = q.readNew(ctx, wait)
			if err != nil || d == nil {
				return nil, err
			}
		}

		if d.ReceiveCount > q.cfg.MaxReceive {
			if err := q.deadLetter(ctx, d); err != nil {
				return nil, err
			}
			continue
		}
		return d, nil
	}
}

// reclaim takes over one pending entry whose lease expired.
func (q *RedisStreamQueue) reclaim(ctx context.Context) (*Delivery, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.VisibilityTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reclaim pending: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	d := toDelivery(msgs[0])
	count, err := q.receiveCount(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	d.ReceiveCount = count
	return d, nil
}

func (q *RedisStreamQueue) readNew(ctx context.Context, wait time.Duration) (*Delivery, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    1,
		Block:    wait,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group: %w", err)
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			d := toDelivery(s.Messages[0])
			d.ReceiveCount = 1
			return d, nil
		}
	}
	return nil, nil
}

// receiveCount reads the delivery counter Redis keeps for a pending entry.
func (q *RedisStreamQueue) receiveCount(ctx context.Context, id string) (int, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read pending entry: %w", err)
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return int(pending[0].RetryCount), nil
}

func (q *RedisStreamQueue) Delete(ctx context.Context, d *Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.ID)
	pipe.XDel(ctx, q.cfg.Stream, d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete message %s: %w", d.ID, err)
	}
	return nil
}

// Release leaves d pending. Once it has been idle for the visibility timeout
// the next Receive by any consumer reclaims it with an incremented count.
func (q *RedisStreamQueue) Release(_ context.Context, d *Delivery) error {
	q.logger.Debug("message released", "message_id", d.ID, "receive_count", d.ReceiveCount)
	return nil
}

// deadLetter moves d to the dead-letter stream and removes it from the job stream.
func (q *RedisStreamQueue) deadLetter(ctx context.Context, d *Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.DeadLetterStream,
		Values: map[string]any{
			bodyField:          string(d.Body),
			"source_id":        d.ID,
			"receive_count":    strconv.Itoa(d.ReceiveCount),
			"dead_lettered_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.ID)
	pipe.XDel(ctx, q.cfg.Stream, d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-letter message %s: %w", d.ID, err)
	}
	q.logger.Warn("message dead-lettered", "message_id", d.ID, "receive_count", d.ReceiveCount)
	return nil
}

func toDelivery(msg redis.XMessage) *Delivery {
	d := &Delivery{ID: msg.ID}
	switch body := msg.Values[bodyField].(type) {
	case string:
		d.Body = []byte(body)
	case []byte:
		d.Body = body
	}
	return d
}
