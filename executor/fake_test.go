package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper-darkly/sticky-scheduler/store"
)

// fakeStore implements store.Store in memory for pipeline tests. Only
// the executor-facing methods do real work; the submission surface is
// stubbed out.
type fakeStore struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]store.TaskStatus
	due      []store.Task
	fetchErr error
	sub      *fakeSub

	claimed  chan uuid.UUID // successful claims
	terminal chan uuid.UUID // MarkDone / MarkFailed calls
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		statuses: make(map[uuid.UUID]store.TaskStatus),
		claimed:  make(chan uuid.UUID, 64),
		terminal: make(chan uuid.UUID, 64),
	}
}

func (f *fakeStore) submit(t store.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[t.ID] = store.StatusSubmitted
}

func (f *fakeStore) status(id uuid.UUID) store.TaskStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

func (f *fakeStore) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses[id] != store.StatusSubmitted {
		return false, nil
	}
	f.statuses[id] = store.StatusStartedExecuting
	select {
	case f.claimed <- id:
	default:
	}
	return true, nil
}

func (f *fakeStore) MarkDone(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	f.statuses[id] = store.StatusDone
	f.mu.Unlock()
	f.terminal <- id
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	f.statuses[id] = store.StatusFailed
	f.mu.Unlock()
	f.terminal <- id
	return nil
}

func (f *fakeStore) FetchDue(ctx context.Context, limit int, lookahead time.Duration) ([]store.Task, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if len(f.due) > limit {
		return f.due[:limit], nil
	}
	return f.due, nil
}

func (f *fakeStore) Subscribe(ctx context.Context) (store.Notifications, error) {
	return f.sub, nil
}

// ---- stubs ----

func (f *fakeStore) CreateTask(ctx context.Context, t *store.Task) error { return nil }
func (f *fakeStore) GetTask(ctx context.Context, id uuid.UUID) (*store.TaskRecord, error) {
	return nil, store.ErrTaskNotFound
}
func (f *fakeStore) ListTasks(ctx context.Context, fl store.ListFilter) ([]*store.TaskRecord, error) {
	return nil, nil
}
func (f *fakeStore) DeleteTask(ctx context.Context, id uuid.UUID) error   { return nil }
func (f *fakeStore) Publish(ctx context.Context, t *store.Task) error     { return nil }
func (f *fakeStore) PublishStop(ctx context.Context) error                { return nil }
func (f *fakeStore) Ping(ctx context.Context) error                       { return nil }
func (f *fakeStore) Close() error                                         { return nil }

// fakeSub feeds scripted announcements to a Listener.
type fakeSub struct {
	ch     chan store.Announcement
	closed bool
}

func newFakeSub() *fakeSub {
	return &fakeSub{ch: make(chan store.Announcement, 16)}
}

func (s *fakeSub) Next(ctx context.Context) (store.Announcement, error) {
	select {
	case <-ctx.Done():
		return store.Announcement{}, ctx.Err()
	case a := <-s.ch:
		return a, nil
	}
}

func (s *fakeSub) Close() { s.closed = true }
