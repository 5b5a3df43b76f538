// Package executor implements the task-execution pipeline: a sweeper
// polling the store, a listener on the pub/sub channel, and a bounded
// in-memory work queue that claims and runs each task exactly once
// across any number of executor processes.
package executor

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/whisper-darkly/sticky-scheduler/config"
	"github.com/whisper-darkly/sticky-scheduler/store"
)

// Executor supervises the three pipeline activities over one shared
// store and work queue.
type Executor struct {
	queue    *WorkQueue
	listener *Listener
	sweeper  *Sweeper
}

// New wires the pipeline from cfg. handlers supplies the task bodies;
// pass DefaultRegistry() for the stock set.
func New(cfg config.Data, st store.Store, handlers Registry) *Executor {
	queue := NewWorkQueue(st, handlers, cfg.MaxConcurrentTasksInMemory, cfg.MaxConcurrentExecutingTasks)
	return &Executor{
		queue:    queue,
		listener: NewListener(st, queue, cfg.TasksChannelName, cfg.MaxSleep()),
		sweeper:  NewSweeper(st, queue, cfg.SweepInterval(), cfg.MaxSleep(), cfg.MaxConcurrentTasksInMemory),
	}
}

// Run starts the sweeper, listener, and work queue and blocks until all
// three have returned. Any single activity returning (a stop
// announcement, ctx cancellation) cancels the other two; claimed
// in-flight tasks still run to a terminal status before Run returns.
func (e *Executor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		err := e.queue.Run(ctx)
		log.Println("executor: work queue finished")
		return err
	})
	g.Go(func() error {
		defer cancel()
		err := e.listener.Run(ctx)
		log.Println("executor: listener finished")
		return err
	})
	g.Go(func() error {
		defer cancel()
		err := e.sweeper.Run(ctx)
		log.Println("executor: sweeper finished")
		return err
	})

	return g.Wait()
}
