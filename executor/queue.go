package executor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/whisper-darkly/sticky-scheduler/config"
	"github.com/whisper-darkly/sticky-scheduler/store"
)

const (
	// enqueueHeadroom keeps a few channel slots free so a sweeper burst
	// cannot starve notification-driven tasks. Config validation
	// guarantees the channel capacity exceeds it.
	enqueueHeadroom = config.QueueHeadroom

	// enqueueWait bounds how long a producer blocks on the channel.
	// Past it the task is dropped; the sweeper re-presents it later.
	enqueueWait = 100 * time.Millisecond
)

// QueueEvent travels from the listener/sweeper to the work queue.
// Either Task is set or Stop is true.
type QueueEvent struct {
	Task *store.Task
	Stop bool
}

// WorkQueue owns the bounded event channel, the local dedup set, and
// the two permit pools: sleep permits bound how many tasks may wait in
// memory for their execution time, exec permits bound how many may run
// their bodies at once.
type WorkQueue struct {
	st       store.Store
	handlers Registry

	events   chan QueueEvent
	sleepSem *semaphore.Weighted
	execSem  *semaphore.Weighted
	execCap  int

	mu      sync.Mutex
	tracked map[uuid.UUID]struct{}

	tasks sync.WaitGroup // spawned per-task goroutines
}

// NewWorkQueue builds a work queue with maxInMemory channel slots and
// sleep permits, and maxExecuting exec permits.
func NewWorkQueue(st store.Store, handlers Registry, maxInMemory, maxExecuting int) *WorkQueue {
	return &WorkQueue{
		st:       st,
		handlers: handlers,
		events:   make(chan QueueEvent, maxInMemory),
		sleepSem: semaphore.NewWeighted(int64(maxInMemory)),
		execSem:  semaphore.NewWeighted(int64(maxExecuting)),
		execCap:  maxExecuting,
		tracked:  make(map[uuid.UUID]struct{}, maxInMemory),
	}
}

// Offer routes one task from an ingress path into the queue. It
// reports false when the task was dropped: already tracked locally, or
// no channel capacity within the bounded wait. Dropped tasks are left
// for the sweeper's next pass.
func (q *WorkQueue) Offer(t *store.Task) bool {
	if !q.track(t.ID) {
		return false
	}

	// Require headroom rather than a single free slot: the other
	// ingress path may be filling the channel at the same time.
	if cap(q.events)-len(q.events) < enqueueHeadroom {
		q.untrack(t.ID)
		return false
	}

	select {
	case q.events <- QueueEvent{Task: t}:
		return true
	case <-time.After(enqueueWait):
		q.untrack(t.ID)
		return false
	}
}

// SignalStop asks the consumer loop to exit. Best-effort: if the
// channel is saturated the supervisor's context cancellation covers it.
func (q *WorkQueue) SignalStop() {
	select {
	case q.events <- QueueEvent{Stop: true}:
	default:
	}
}

// Run is the single consumer loop. For each task event it spawns a
// per-task goroutine holding a sleep permit; with no permit free the
// task is dropped (and untracked, so the sweeper can re-present it).
// Run returns once a stop event arrives or ctx is cancelled, after all
// spawned tasks have finished.
func (q *WorkQueue) Run(ctx context.Context) error {
	log.Printf("workqueue: started (in-memory cap %d, exec cap %d)", cap(q.events), q.execCap)
	defer q.tasks.Wait()

	for {
		select {
		case <-ctx.Done():
			log.Println("workqueue: context cancelled, waiting for in-flight tasks")
			return nil
		case ev, ok := <-q.events:
			if !ok {
				log.Println("workqueue: event channel closed, exiting")
				return nil
			}
			if ev.Stop {
				log.Println("workqueue: got stop event, waiting for in-flight tasks")
				return nil
			}

			t := ev.Task
			if !q.sleepSem.TryAcquire(1) {
				log.Printf("workqueue: no sleep permit free, dropping task %s", t.ID)
				q.untrack(t.ID)
				continue
			}
			q.tasks.Add(1)
			go q.runTask(ctx, *t)
		}
	}
}

// runTask is the per-task pipeline: sleep until due, take an exec
// permit, claim, execute, record the outcome. The sleep permit is held
// for the whole pipeline; the exec permit only around real work.
func (q *WorkQueue) runTask(ctx context.Context, t store.Task) {
	defer q.tasks.Done()
	defer q.sleepSem.Release(1)
	defer q.untrack(t.ID)

	if !sleepUntil(ctx, t.ExecutionTime) {
		return // shutting down; task is still submitted in the store
	}

	if err := q.execSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer q.execSem.Release(1)

	claimed, err := q.st.Claim(ctx, t.ID)
	if err != nil {
		log.Printf("workqueue: claim task %s: %v", t.ID, err)
		return
	}
	if !claimed {
		// Another executor won the row. Expected under multiple nodes.
		return
	}

	// The claim succeeded, so this node owns the row until a terminal
	// status is written. Shutdown must not orphan it in
	// started_executing, hence the detached context.
	runCtx := context.WithoutCancel(ctx)
	q.execute(runCtx, t)
}

func (q *WorkQueue) execute(ctx context.Context, t store.Task) {
	handler, ok := q.handlers[t.TaskType]
	if !ok {
		log.Printf("workqueue: no handler registered for task type %q, marking task %s failed", t.TaskType, t.ID)
		if err := q.st.MarkFailed(ctx, t.ID); err != nil {
			log.Printf("workqueue: mark task %s failed: %v", t.ID, err)
		}
		return
	}

	if err := handler(ctx, t); err != nil {
		log.Printf("workqueue: task %s failed: %v", t.ID, err)
		if err := q.st.MarkFailed(ctx, t.ID); err != nil {
			log.Printf("workqueue: mark task %s failed: %v", t.ID, err)
		}
		return
	}
	if err := q.st.MarkDone(ctx, t.ID); err != nil {
		log.Printf("workqueue: mark task %s done: %v", t.ID, err)
	}
}

// sleepUntil waits until due (or not at all for past-due tasks).
// It reports false if ctx was cancelled first.
func sleepUntil(ctx context.Context, due time.Time) bool {
	d := time.Until(due)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// ---- dedup set ----

// track inserts id into the local dedup set; false means it was
// already present and the caller must not enqueue.
func (q *WorkQueue) track(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.tracked[id]; dup {
		return false
	}
	q.tracked[id] = struct{}{}
	return true
}

func (q *WorkQueue) untrack(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tracked, id)
}

func (q *WorkQueue) isTracked(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tracked[id]
	return ok
}
