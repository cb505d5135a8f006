package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/calder/transitpipe/internal/store"
)

// heartbeat bumps an attempt's liveness timestamp on a fixed cadence while
// its handler runs. The supervisor treats a silent heartbeat as a stalled
// attempt, so the goroutine must be stopped only after the attempt's end is
// recorded.
type heartbeat struct {
	stop chan struct{}
	done chan struct{}
}

func startHeartbeat(ctx context.Context, st *store.Store, attemptID int64, cadence time.Duration, log zerolog.Logger) *heartbeat {
	h := &heartbeat{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(cadence)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.Heartbeat(ctx, attemptID); err != nil {
					log.Warn().Err(err).Msg("heartbeat write failed")
				}
			}
		}
	}()
	return h
}

// Stop halts the heartbeat and waits for the goroutine to exit.
func (h *heartbeat) Stop() {
	close(h.stop)
	<-h.done
}
