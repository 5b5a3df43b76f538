// Package store defines the persistence abstraction for sticky-scheduler.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ---- status ----

// TaskStatus is the lifecycle state of a persisted task.
//
// Legal transitions: submitted → started_executing → done|failed,
// and submitted → deleted.
type TaskStatus string

const (
	StatusSubmitted        TaskStatus = "submitted"
	StatusStartedExecuting TaskStatus = "started_executing"
	StatusDone             TaskStatus = "done"
	StatusFailed           TaskStatus = "failed"
	StatusDeleted          TaskStatus = "deleted"
)

// Valid reports whether s is one of the known status values.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusSubmitted, StatusStartedExecuting, StatusDone, StatusFailed, StatusDeleted:
		return true
	}
	return false
}

// ---- task types ----

// TaskType names a registered task body.
type TaskType string

const (
	TypeFoo TaskType = "foo"
	TypeBar TaskType = "bar"
	TypeBaz TaskType = "baz"
)

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	switch t {
	case TypeFoo, TypeBar, TypeBaz:
		return true
	}
	return false
}

// ---- domain types ----

// Task is the in-flight projection passed between the executor
// components and over the pub/sub channel. In-flight tasks are always
// status=submitted, so no status field is carried.
type Task struct {
	ID            uuid.UUID `json:"id"`
	TaskType      TaskType  `json:"task_type"`
	ExecutionTime time.Time `json:"execution_time"`
}

// TaskRecord is a task row as persisted, including the full lifecycle.
type TaskRecord struct {
	ID                 uuid.UUID  `json:"id"`
	TaskType           TaskType   `json:"task_type"`
	Status             TaskStatus `json:"status"`
	ExecutionTime      time.Time  `json:"execution_time"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedExecutingAt *time.Time `json:"started_executing_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	FailedAt           *time.Time `json:"failed_at,omitempty"`
}

// ListFilter narrows ListTasks. Nil fields match everything.
type ListFilter struct {
	Status *TaskStatus
	Type   *TaskType
}

// Announcement is one raw pub/sub message as received from the channel.
type Announcement struct {
	Channel string
	Payload string
}

// ---- errors ----

// ErrTaskNotFound is returned when a task id does not exist
// (deleted rows read the same from outside).
var ErrTaskNotFound = errors.New("task not found")

// TaskNotDeletableError reports a delete attempted against a task that
// has already left the submitted state.
type TaskNotDeletableError struct {
	ID     uuid.UUID
	Status TaskStatus
}

func (e *TaskNotDeletableError) Error() string {
	return fmt.Sprintf("task %s cannot be deleted: status is %q (only submitted tasks may be deleted)", e.ID, e.Status)
}

// ---- interfaces ----

// Notifications is a long-lived subscription on the pub/sub channel.
// Next blocks for the next raw announcement and transparently
// reconnects on transport loss.
type Notifications interface {
	Next(ctx context.Context) (Announcement, error)
	Close()
}

// Store is the persistence abstraction. All methods are context-aware.
type Store interface {
	// ---- submission surface ----
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*TaskRecord, error)
	ListTasks(ctx context.Context, f ListFilter) ([]*TaskRecord, error)
	DeleteTask(ctx context.Context, id uuid.UUID) error

	// ---- executor protocol ----

	// Claim atomically moves id from submitted to started_executing.
	// It reports true iff this caller won the row: concurrent claims on
	// the same id serialize on the row lock and all but one see zero
	// rows affected.
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	MarkDone(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID) error

	// FetchDue returns up to limit submitted tasks with
	// execution_time <= now()+lookahead, oldest execution_time first.
	FetchDue(ctx context.Context, limit int, lookahead time.Duration) ([]Task, error)

	// ---- pub/sub ----
	Publish(ctx context.Context, t *Task) error
	PublishStop(ctx context.Context) error
	Subscribe(ctx context.Context) (Notifications, error)

	// ---- lifecycle ----
	Ping(ctx context.Context) error
	Close() error
}
