package engine

import (
	"context"
	"log"
	"time"
)

// RunReachability polls backend health until ctx is cancelled and drives the
// connectivity state machine: a failed check only flips the connected flag,
// while a recovered check triggers a full resync so nothing that happened
// during the outage is lost. Blocks; run it on its own goroutine.
func (e *Engine) RunReachability(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SetReachable(ctx, e.backend.Healthy(ctx))
		}
	}
}

// SetReachable feeds one reachability observation into the engine. Exposed so
// platforms with native network-path monitoring can push transitions instead
// of polling.
func (e *Engine) SetReachable(ctx context.Context, online bool) {
	e.mu.Lock()
	was := e.connected
	e.connected = online
	e.mu.Unlock()

	if online == was {
		return
	}
	if !online {
		log.Printf("engine: connection lost")
		return
	}
	log.Printf("engine: connection restored, resyncing")
	e.Resync(ctx)
}
