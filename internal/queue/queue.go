// Package queue dispatches attempt ids to workers. Two interchangeable
// back-ends implement the same contract: an embedded queue that is a view
// over attempt rows in the store, and a Redis-backed broker with
// acknowledge-on-fetch delivery. The back-end is chosen once at process
// start from configuration.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/calder/transitpipe/internal/config"
	"github.com/calder/transitpipe/internal/store"
)

// ErrTransient marks broker failures the worker should absorb by returning
// to its poll loop rather than crashing.
var ErrTransient = errors.New("queue: transient failure")

// Queue is the dispatch contract shared by both back-ends. Queue names
// equal task type names.
type Queue interface {
	// Declare makes a queue usable. Idempotent; must precede Publish.
	Declare(ctx context.Context, queue string) error

	// Length counts waiting attempts. A snapshot: a lower bound under
	// concurrent publish.
	Length(ctx context.Context, queue string) (int, error)

	// Publish places an attempt on the queue, atomically marking the row
	// queued / not running / not finished with no owner.
	Publish(ctx context.Context, queue string, attemptID int64) error

	// FetchClaim returns one waiting attempt id, or ok=false when the queue
	// is empty this tick. With ack and run set, the attempt is atomically
	// flipped to running on the caller's host before return; a lost claim
	// also reports ok=false.
	FetchClaim(ctx context.Context, queue string, ack, run bool) (attemptID int64, ok bool, err error)

	// List snapshots all waiting attempt ids, best effort.
	List(ctx context.Context, queue string) ([]int64, error)

	// Close releases resources and commits pending state.
	Close() error
}

// Open builds the configured queue back-end. The embedded back-end shares
// the caller's store; hostID identifies the claiming worker host.
func Open(cfg config.QueueConfig, st *store.Store, hostID int64) (Queue, error) {
	switch cfg.Backend {
	case config.QueueEmbedded:
		return NewEmbedded(st, hostID), nil
	case config.QueueRedis:
		return NewRedis(cfg, st, hostID)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
