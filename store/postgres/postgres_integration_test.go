//go:build integration

// These tests need a real PostgreSQL instance. Point DB_DSN at a
// throwaway database and run with -tags integration.
package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/whisper-darkly/sticky-scheduler/store"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		t.Skip("DB_DSN not set")
	}
	db, err := Open(context.Background(), dsn, "tasks_test")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustCreate(t *testing.T, db *DB, typ store.TaskType, due time.Time) store.Task {
	t.Helper()
	task := store.Task{ID: uuid.New(), TaskType: typ, ExecutionTime: due}
	if err := db.CreateTask(context.Background(), &task); err != nil {
		t.Fatalf("create: %v", err)
	}
	return task
}

func TestCreateGetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	due := time.Now().Add(time.Minute).UTC().Truncate(time.Microsecond)
	task := mustCreate(t, db, store.TypeBar, due)

	rec, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.TaskType != store.TypeBar {
		t.Errorf("type = %q, want bar", rec.TaskType)
	}
	if rec.Status != store.StatusSubmitted {
		t.Errorf("status = %q, want submitted", rec.Status)
	}
	if !rec.ExecutionTime.Equal(due) {
		t.Errorf("execution_time = %s, want %s", rec.ExecutionTime, due)
	}
	if rec.StartedExecutingAt != nil || rec.CompletedAt != nil || rec.FailedAt != nil {
		t.Errorf("fresh task carries lifecycle timestamps: %+v", rec)
	}
}

func TestGetUnknownTask(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.GetTask(context.Background(), uuid.New()); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	task := mustCreate(t, db, store.TypeFoo, time.Now())

	const claimers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := db.Claim(ctx, task.ID)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if n := wins.Load(); n != 1 {
		t.Fatalf("%d claimers won, want exactly 1", n)
	}
	rec, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusStartedExecuting {
		t.Errorf("status = %q, want started_executing", rec.Status)
	}
	if rec.StartedExecutingAt == nil {
		t.Error("started_executing_at not set by the winning claim")
	}
}

func TestClaimAfterDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	task := mustCreate(t, db, store.TypeBaz, time.Now())

	if err := db.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, err := db.Claim(ctx, task.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok {
		t.Fatal("claim succeeded on a deleted task")
	}
	// Deleted rows read as gone from the outside.
	if _, err := db.GetTask(ctx, task.ID); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("get after delete: err = %v, want ErrTaskNotFound", err)
	}
}

func TestDeleteAfterClaimConflicts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	task := mustCreate(t, db, store.TypeFoo, time.Now())

	if ok, err := db.Claim(ctx, task.ID); err != nil || !ok {
		t.Fatalf("setup claim: ok=%v err=%v", ok, err)
	}

	err := db.DeleteTask(ctx, task.ID)
	var conflict *store.TaskNotDeletableError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want TaskNotDeletableError", err)
	}
	if conflict.Status != store.StatusStartedExecuting {
		t.Errorf("conflict status = %q, want started_executing", conflict.Status)
	}
}

func TestDeleteUnknownTask(t *testing.T) {
	db := openTestDB(t)
	if err := db.DeleteTask(context.Background(), uuid.New()); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestMarkDoneSetsTimestamp(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	task := mustCreate(t, db, store.TypeBar, time.Now())

	if ok, _ := db.Claim(ctx, task.ID); !ok {
		t.Fatal("setup claim failed")
	}
	if err := db.MarkDone(ctx, task.ID); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	rec, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusDone || rec.CompletedAt == nil {
		t.Errorf("record after done: %+v", rec)
	}
}

func TestFetchDueOrderAndHorizon(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	now := time.Now()
	later := mustCreate(t, db, store.TypeFoo, now.Add(30*time.Second))
	sooner := mustCreate(t, db, store.TypeFoo, now.Add(-30*time.Second))
	beyond := mustCreate(t, db, store.TypeFoo, now.Add(time.Hour))

	due, err := db.FetchDue(ctx, 1000, time.Minute)
	if err != nil {
		t.Fatalf("fetch due: %v", err)
	}

	pos := map[uuid.UUID]int{}
	for i, task := range due {
		pos[task.ID] = i
	}
	si, ok := pos[sooner.ID]
	if !ok {
		t.Fatal("past-due task missing from FetchDue")
	}
	li, ok := pos[later.ID]
	if !ok {
		t.Fatal("within-lookahead task missing from FetchDue")
	}
	if si >= li {
		t.Errorf("ordering: sooner at %d, later at %d", si, li)
	}
	if _, ok := pos[beyond.ID]; ok {
		t.Error("task beyond the lookahead returned by FetchDue")
	}
}

func TestFetchDueSkipsClaimed(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	task := mustCreate(t, db, store.TypeBaz, time.Now())

	if ok, _ := db.Claim(ctx, task.ID); !ok {
		t.Fatal("setup claim failed")
	}
	due, err := db.FetchDue(ctx, 1000, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	for _, got := range due {
		if got.ID == task.ID {
			t.Fatal("claimed task returned by FetchDue")
		}
	}
}

func TestListTasksFiltering(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	foo := mustCreate(t, db, store.TypeFoo, time.Now().Add(time.Minute))
	bar := mustCreate(t, db, store.TypeBar, time.Now().Add(time.Minute))

	typ := store.TypeBar
	status := store.StatusSubmitted
	recs, err := db.ListTasks(ctx, store.ListFilter{Status: &status, Type: &typ})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	seen := map[uuid.UUID]bool{}
	for _, rec := range recs {
		if rec.TaskType != store.TypeBar || rec.Status != store.StatusSubmitted {
			t.Errorf("filter leaked record %+v", rec)
		}
		seen[rec.ID] = true
	}
	if !seen[bar.ID] {
		t.Error("matching task missing from filtered list")
	}
	if seen[foo.ID] {
		t.Error("non-matching task present in filtered list")
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := db.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	task := store.Task{ID: uuid.New(), TaskType: store.TypeFoo, ExecutionTime: time.Now().Add(time.Minute).UTC()}

	// The LISTEN may still be racing the first publish; retry until the
	// announcement lands or the deadline hits.
	got := make(chan store.Announcement, 1)
	go func() {
		for {
			ann, err := sub.Next(ctx)
			if err != nil {
				return
			}
			got <- ann
			return
		}
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := db.Publish(ctx, &task); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case ann := <-got:
			if ann.Channel != "tasks_test" {
				t.Errorf("channel = %q, want tasks_test", ann.Channel)
			}
			return
		case <-ticker.C:
		case <-ctx.Done():
			t.Fatal("no announcement received before the deadline")
		}
	}
}
