package router

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/whisper-darkly/sticky-scheduler/notify"
	"github.com/whisper-darkly/sticky-scheduler/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// watchEvent is one message pushed to a /api/tasks/watch client.
type watchEvent struct {
	Type string      `json:"type"` // new_task | stop
	Task *store.Task `json:"task,omitempty"`
}

// watchTasks upgrades to a WebSocket and forwards decoded channel
// announcements to the client until either side goes away.
func watchTasks(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// After the upgrade the request context no longer tracks the
		// client, so the drain goroutine's cancel is the only disconnect
		// signal that can unblock Next and release the subscription.
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sub, err := d.Store.Subscribe(ctx)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "subscription unavailable")
			return
		}
		defer sub.Close()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			return
		}
		defer conn.Close()

		// Drain client frames so pings/close are processed; the stream
		// is one-way.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			ann, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if ann.Channel != d.Config.TasksChannelName {
				continue
			}
			dec, err := notify.Decode(ann.Payload)
			if err != nil {
				log.Printf("router: watch: dropping notification: %v", err)
				continue
			}

			ev := watchEvent{Type: "new_task", Task: dec.Task}
			if dec.Kind == notify.Stop {
				ev = watchEvent{Type: "stop"}
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
