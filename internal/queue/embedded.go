package queue

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/calder/transitpipe/internal/logging"
	"github.com/calder/transitpipe/internal/store"
)

// Embedded is the in-store queue: the queue IS the set of attempt rows with
// queued=true for a task type, ordered by queued_time then attempt_id.
type Embedded struct {
	store  *store.Store
	hostID int64
	log    zerolog.Logger
}

// NewEmbedded builds an embedded queue claiming on behalf of hostID.
func NewEmbedded(st *store.Store, hostID int64) *Embedded {
	return &Embedded{store: st, hostID: hostID, log: logging.Component("queue")}
}

// Declare is a no-op: embedded queues exist implicitly per task type.
func (q *Embedded) Declare(ctx context.Context, queue string) error {
	return nil
}

// Length counts queued attempts of the task type.
func (q *Embedded) Length(ctx context.Context, queue string) (int, error) {
	return q.store.QueuedCount(ctx, queue)
}

// Publish marks the attempt queued. The queue position follows from the
// fresh queued_time.
func (q *Embedded) Publish(ctx context.Context, queue string, attemptID int64) error {
	return q.store.MarkQueued(ctx, attemptID)
}

// FetchClaim implements the embedded claim protocol:
//
//  1. reset this host's stale running rows (recovery from our own crash);
//  2. select the head of the queue;
//  3. conditional UPDATE guarded by queued=true; row count decides the winner;
//  4. re-query to confirm ownership.
//
// A lost race returns ok=false for this tick; the next poll retries.
func (q *Embedded) FetchClaim(ctx context.Context, queue string, ack, run bool) (int64, bool, error) {
	if n, err := q.store.ResetStaleClaims(ctx, q.hostID); err != nil {
		return 0, false, err
	} else if n > 0 {
		q.log.Warn().Int64("host_id", q.hostID).Int64("claims", n).
			Msg("cleared stale running claims from a previous process")
	}

	attemptID, found, err := q.store.NextQueued(ctx, queue)
	if err != nil || !found {
		return 0, false, err
	}

	if !ack || !run {
		// Peek-only fetch leaves the row queued.
		return attemptID, true, nil
	}

	won, err := q.store.ClaimAttempt(ctx, attemptID, q.hostID)
	if err != nil {
		return 0, false, err
	}
	if !won {
		return 0, false, nil
	}

	owned, err := q.store.ConfirmClaim(ctx, attemptID, q.hostID)
	if err != nil {
		return 0, false, err
	}
	if !owned {
		return 0, false, nil
	}
	return attemptID, true, nil
}

// List snapshots the queued attempt ids in queue order.
func (q *Embedded) List(ctx context.Context, queue string) ([]int64, error) {
	return q.store.QueuedAttempts(ctx, queue)
}

// Close is a no-op; the store's lifetime belongs to the caller.
func (q *Embedded) Close() error {
	return nil
}
