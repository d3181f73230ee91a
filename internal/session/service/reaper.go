package service

import (
	"context"
	"sync"
	"time"
)

// Reaper periodically deactivates expired sessions and prunes the used-token
// table and anomaly history. It never revokes: expiry is the normal end of a
// session's life, not a security action.
type Reaper struct {
	manager    *Manager
	sweepEvery time.Duration
	pruneEvery time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewReaper returns a stopped reaper over the manager's stores.
func NewReaper(m *Manager, sweepEvery, pruneEvery time.Duration) *Reaper {
	return &Reaper{
		manager:    m,
		sweepEvery: sweepEvery,
		pruneEvery: pruneEvery,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the background loop. Call Stop to shut it down.
func (r *Reaper) Start() {
	go r.run()
}

// Stop halts the loop and waits for an in-flight pass to finish. Safe to call
// more than once.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Reaper) run() {
	defer close(r.done)
	sweep := time.NewTicker(r.sweepEvery)
	defer sweep.Stop()
	prune := time.NewTicker(r.pruneEvery)
	defer prune.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-sweep.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, _ = r.Sweep(ctx)
			cancel()
		case <-prune.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = r.Prune(ctx)
			cancel()
		}
	}
}

// Sweep deactivates every session past its expiry and returns their ids.
func (r *Reaper) Sweep(ctx context.Context) ([]string, error) {
	now := r.manager.nowF()
	return r.manager.store.ExpireSessions(ctx, now)
}

// Prune drops expired used-token records and stale anomaly history.
func (r *Reaper) Prune(ctx context.Context) error {
	now := r.manager.nowF()
	r.manager.history.Prune(now)
	return r.manager.used.Prune(ctx, now)
}
