// Package postgres provides the PostgreSQL-backed Store implementation.
// It uses pgx/v5 (pure Go, no CGO) and runs embedded migrations at startup.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whisper-darkly/sticky-scheduler/notify"
	"github.com/whisper-darkly/sticky-scheduler/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB implements store.Store using PostgreSQL via pgx/v5.
//
// The claim protocol relies on read-committed row locking: the
// conditional UPDATE in Claim serializes concurrent claimers on the row
// lock, so at most one of them observes rows-affected = 1. Read
// committed is the Postgres default; Open pins it anyway since
// exactly-once execution rides on it.
type DB struct {
	pool    *pgxpool.Pool
	channel string
}

// Open creates a connection pool, runs migrations, and returns a ready DB.
// channel is the LISTEN/NOTIFY channel name used by Publish and Subscribe.
func Open(ctx context.Context, dsn, channel string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `SET default_transaction_isolation TO 'read committed'`)
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &DB{pool: pool, channel: channel}, nil
}

// RunMigrations applies all pending up-migrations against dsn.
// Safe to call multiple times — ErrNoChange is treated as success.
// Called by initdb (as exported) and by Open (internally).
func RunMigrations(dsn string) error { return runMigrations(dsn) }

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	migrateURL := toMigrateURL(dsn)
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL)
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// toMigrateURL converts a postgres:// or postgresql:// DSN to the pgx5://
// scheme expected by golang-migrate's pgx/v5 driver.
func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// Ping checks connectivity for the health endpoint.
func (d *DB) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

const recordColumns = `
	id, task_type::text, status::text, execution_time, created_at,
	started_executing_at, completed_at, failed_at`

// ---- submission surface ----

func (d *DB) CreateTask(ctx context.Context, t *store.Task) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO tasks (id, task_type, status, execution_time)
		VALUES ($1, $2::task_type, 'submitted', $3)
	`, t.ID, string(t.TaskType), t.ExecutionTime)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func (d *DB) GetTask(ctx context.Context, id uuid.UUID) (*store.TaskRecord, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM tasks WHERE id = $1 AND status != 'deleted'
	`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	return rec, err
}

func (d *DB) ListTasks(ctx context.Context, f store.ListFilter) ([]*store.TaskRecord, error) {
	var status, typ *string
	if f.Status != nil {
		s := string(*f.Status)
		status = &s
	}
	if f.Type != nil {
		s := string(*f.Type)
		typ = &s
	}

	rows, err := d.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM tasks
		WHERE ($1::task_status IS NULL OR status = $1::task_status)
		  AND ($2::task_type   IS NULL OR task_type = $2::task_type)
		  AND status != 'deleted'
		ORDER BY created_at
	`, status, typ)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteTask moves a submitted task to deleted. Deletion from any other
// status is a conflict: the caller gets a TaskNotDeletableError naming
// the current status.
func (d *DB) DeleteTask(ctx context.Context, id uuid.UUID) error {
	tag, err := d.pool.Exec(ctx, `
		UPDATE tasks SET
			status     = 'deleted',
			deleted_at = now()
		WHERE id = $1 AND status = 'submitted'
	`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing moved: distinguish "unknown id" from "already past submitted".
	var status string
	err = d.pool.QueryRow(ctx,
		`SELECT status::text FROM tasks WHERE id = $1`, id,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrTaskNotFound
	}
	if err != nil {
		return err
	}
	return &store.TaskNotDeletableError{ID: id, Status: store.TaskStatus(status)}
}

// ---- executor protocol ----

func (d *DB) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := d.pool.Exec(ctx, `
		UPDATE tasks SET
			status               = 'started_executing',
			started_executing_at = now()
		WHERE id = $1 AND status = 'submitted'
	`, id)
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (d *DB) MarkDone(ctx context.Context, id uuid.UUID) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE tasks SET status = 'done', completed_at = now() WHERE id = $1
	`, id)
	return err
}

func (d *DB) MarkFailed(ctx context.Context, id uuid.UUID) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE tasks SET status = 'failed', failed_at = now() WHERE id = $1
	`, id)
	return err
}

func (d *DB) FetchDue(ctx context.Context, limit int, lookahead time.Duration) ([]store.Task, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, task_type::text, execution_time
		FROM tasks
		WHERE status = 'submitted' AND execution_time <= now() + $1
		ORDER BY execution_time
		LIMIT $2
	`, lookahead, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Task
	for rows.Next() {
		var t store.Task
		var typ string
		if err := rows.Scan(&t.ID, &typ, &t.ExecutionTime); err != nil {
			return nil, err
		}
		t.TaskType = store.TaskType(typ)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- pub/sub ----

// Publish broadcasts a new_task announcement. NOTIFY does not support
// bound parameters, hence the pg_notify() form.
func (d *DB) Publish(ctx context.Context, t *store.Task) error {
	payload, err := notify.EncodeNewTask(t)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, d.channel, payload)
	return err
}

// PublishStop broadcasts the fleet-wide stop announcement.
func (d *DB) PublishStop(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, d.channel, notify.EncodeStop())
	return err
}

// ---- helpers ----

func scanRecord(row pgx.Row) (*store.TaskRecord, error) {
	var rec store.TaskRecord
	var typ, status string
	err := row.Scan(
		&rec.ID, &typ, &status, &rec.ExecutionTime, &rec.CreatedAt,
		&rec.StartedExecutingAt, &rec.CompletedAt, &rec.FailedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.TaskType = store.TaskType(typ)
	rec.Status = store.TaskStatus(status)
	return &rec, nil
}
