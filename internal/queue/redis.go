package queue

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/calder/transitpipe/internal/config"
	"github.com/calder/transitpipe/internal/logging"
	"github.com/calder/transitpipe/internal/store"
)

// keyPrefix namespaces the pipeline's lists inside a shared Redis.
const keyPrefix = "tp:queue:"

// Redis is the broker back-end: one Redis list per task type, message body
// the decimal ASCII of the attempt id. Delivery is at-least-once with
// acknowledge-on-fetch: RPOP removes the message before the store-side flip
// to running, so a crash in between may leak the attempt. The heartbeat
// timeout is the safety net.
type Redis struct {
	client *redis.Client
	store  *store.Store
	hostID int64
	log    zerolog.Logger
}

// NewRedis connects to the broker and verifies it is reachable.
func NewRedis(cfg config.QueueConfig, st *store.Store, hostID int64) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrTransient, cfg.RedisAddr, err)
	}
	return &Redis{client: client, store: st, hostID: hostID, log: logging.Component("queue")}, nil
}

func key(queue string) string {
	return keyPrefix + queue
}

// Declare is idempotent; Redis lists spring into existence on first push,
// so declaring only verifies connectivity.
func (q *Redis) Declare(ctx context.Context, queue string) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: declare %s: %v", ErrTransient, queue, err)
	}
	return nil
}

// Length returns the list length.
func (q *Redis) Length(ctx context.Context, queue string) (int, error) {
	n, err := q.client.LLen(ctx, key(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: length %s: %v", ErrTransient, queue, err)
	}
	return int(n), nil
}

// Publish marks the attempt queued in the store, then pushes its id onto
// the broker list. Store first: a broker message for an unqueued attempt
// would be dropped by the claimant's guard anyway.
func (q *Redis) Publish(ctx context.Context, queue string, attemptID int64) error {
	if err := q.store.MarkQueued(ctx, attemptID); err != nil {
		return err
	}
	err := q.client.LPush(ctx, key(queue), strconv.FormatInt(attemptID, 10)).Err()
	if err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrTransient, queue, err)
	}
	return nil
}

// FetchClaim pops one message. With ack unset the message is pushed back
// (peek). With ack and run set, the store-side flip to running happens
// after the pop; a claim lost to the queued=true guard reports empty.
func (q *Redis) FetchClaim(ctx context.Context, queue string, ack, run bool) (int64, bool, error) {
	body, err := q.client.RPop(ctx, key(queue)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: fetch %s: %v", ErrTransient, queue, err)
	}

	attemptID, err := strconv.ParseInt(body, 10, 64)
	if err != nil {
		q.log.Error().Str("queue", queue).Str("body", body).Msg("discarding malformed queue message")
		return 0, false, nil
	}

	if !ack {
		// Peek: return the message to the head of the queue.
		if err := q.client.RPush(ctx, key(queue), body).Err(); err != nil {
			return 0, false, fmt.Errorf("%w: requeue %s: %v", ErrTransient, queue, err)
		}
		return attemptID, true, nil
	}

	if !run {
		return attemptID, true, nil
	}

	won, err := q.store.ClaimAttempt(ctx, attemptID, q.hostID)
	if err != nil {
		return 0, false, err
	}
	if !won {
		// Redelivered or already-claimed message; the broker has already
		// acknowledged it, so just drop it.
		q.log.Warn().Int64("attempt_id", attemptID).Str("queue", queue).
			Msg("dropping broker message for attempt no longer queued")
		return 0, false, nil
	}
	return attemptID, true, nil
}

// List snapshots the waiting attempt ids, head of queue first.
func (q *Redis) List(ctx context.Context, queue string) ([]int64, error) {
	bodies, err := q.client.LRange(ctx, key(queue), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrTransient, queue, err)
	}
	// LPush appends to the head; the oldest message sits at the tail.
	ids := make([]int64, 0, len(bodies))
	for i := len(bodies) - 1; i >= 0; i-- {
		id, err := strconv.ParseInt(bodies[i], 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Close releases the broker connection.
func (q *Redis) Close() error {
	return q.client.Close()
}
