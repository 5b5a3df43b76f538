package executor

import (
	"context"
	"log"
	"time"

	"github.com/whisper-darkly/sticky-scheduler/store"
)

// Sweeper periodically pulls due and soon-due tasks straight from the
// store into the work queue. It is the authoritative liveness path:
// even with every notification lost, a submitted task reaches a work
// queue within one sweep interval plus the horizon. The first sweep
// runs immediately, which doubles as startup recovery for tasks
// persisted while no executor was running.
type Sweeper struct {
	st        store.Store
	queue     *WorkQueue
	interval  time.Duration
	lookahead time.Duration
	limit     int
}

// NewSweeper builds a sweeper that fetches up to limit tasks due within
// lookahead, every interval.
func NewSweeper(st store.Store, queue *WorkQueue, interval, lookahead time.Duration, limit int) *Sweeper {
	return &Sweeper{st: st, queue: queue, interval: interval, lookahead: lookahead, limit: limit}
}

// Run sweeps once immediately, then every interval until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	log.Printf("sweeper: started (interval %s, lookahead %s)", s.interval, s.lookahead)
	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.interval):
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	tasks, err := s.st.FetchDue(ctx, s.limit, s.lookahead)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("sweeper: fetch due tasks: %v — retrying next pass", err)
		}
		return
	}
	if len(tasks) == 0 {
		return
	}

	// FetchDue orders by execution_time ascending, so older tasks get
	// queue slots first.
	accepted := 0
	for i := range tasks {
		if s.queue.Offer(&tasks[i]) {
			accepted++
		}
	}
	log.Printf("sweeper: %d due task(s) fetched, %d enqueued", len(tasks), accepted)
}
