// Package notify implements the wire codec for task announcements on
// the shared pub/sub channel.
//
// An announcement is a text payload of the form
//
//	<kind> [SPACE <json-body>]
//
// Two kinds exist: "stop" (no body) directs executors to shut down,
// and "new_task <json>" carries the in-flight task projection. The
// codec is the contract between every producer (HTTP submitter,
// sweeper) and every subscriber (listener, watch endpoint).
package notify

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/whisper-darkly/sticky-scheduler/store"
)

const (
	kindStop    = "stop"
	kindNewTask = "new_task"
)

// Kind discriminates the announcement variants.
type Kind int

const (
	// Stop directs executors to begin graceful shutdown.
	Stop Kind = iota
	// NewTask carries a freshly submitted task.
	NewTask
)

// Announcement is a decoded pub/sub payload. Task is set only for
// NewTask.
type Announcement struct {
	Kind Kind
	Task *store.Task
}

// EncodeStop returns the wire form of the stop announcement.
func EncodeStop() string { return kindStop }

// EncodeNewTask returns the wire form of a new_task announcement.
func EncodeNewTask(t *store.Task) (string, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode new_task: %w", err)
	}
	return kindNewTask + " " + string(body), nil
}

// Decode parses a raw payload. Unknown kinds and malformed bodies are
// errors; callers log and drop them, they never propagate.
func Decode(payload string) (Announcement, error) {
	if payload == kindStop {
		return Announcement{Kind: Stop}, nil
	}

	kind, body, ok := strings.Cut(payload, " ")
	if !ok {
		return Announcement{}, fmt.Errorf("notification %q has no body", payload)
	}
	if kind != kindNewTask {
		return Announcement{}, fmt.Errorf("unknown notification kind %q", kind)
	}

	var t store.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return Announcement{}, fmt.Errorf("decode new_task body: %w", err)
	}
	if !t.TaskType.Valid() {
		return Announcement{}, fmt.Errorf("unknown task type %q", t.TaskType)
	}
	return Announcement{Kind: NewTask, Task: &t}, nil
}
