package executor

import (
	"context"
	"log"
	"time"

	"github.com/whisper-darkly/sticky-scheduler/notify"
	"github.com/whisper-darkly/sticky-scheduler/store"
)

// Listener subscribes to the pub/sub channel and routes eligible
// new_task announcements into the work queue. It is the low-latency
// ingress path; anything it drops, the sweeper eventually re-presents.
type Listener struct {
	st       store.Store
	queue    *WorkQueue
	channel  string
	maxSleep time.Duration
}

// NewListener builds a listener for the named channel. Announcements
// due later than maxSleep from now are ignored to keep the in-memory
// sleep bound.
func NewListener(st store.Store, queue *WorkQueue, channel string, maxSleep time.Duration) *Listener {
	return &Listener{st: st, queue: queue, channel: channel, maxSleep: maxSleep}
}

// Run consumes announcements until a stop announcement arrives or ctx
// is cancelled. A stop announcement is forwarded to the work queue
// before returning.
func (l *Listener) Run(ctx context.Context) error {
	sub, err := l.st.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()
	log.Printf("listener: subscribed to channel %q", l.channel)

	for {
		ann, err := sub.Next(ctx)
		if err != nil {
			// Subscription errors are context cancellation only; the
			// transport layer reconnects on its own.
			return nil
		}

		if ann.Channel != l.channel {
			log.Printf("listener: ignoring notification for channel %q (expected %q)", ann.Channel, l.channel)
			continue
		}

		dec, err := notify.Decode(ann.Payload)
		if err != nil {
			log.Printf("listener: dropping notification: %v", err)
			continue
		}

		switch dec.Kind {
		case notify.Stop:
			log.Println("listener: got stop announcement, shutting down")
			l.queue.SignalStop()
			return nil

		case notify.NewTask:
			t := dec.Task
			if time.Until(t.ExecutionTime) > l.maxSleep {
				// Beyond the horizon; the sweeper re-presents it once
				// it comes within max_seconds_to_sleep.
				continue
			}
			l.queue.Offer(t)
		}
	}
}
