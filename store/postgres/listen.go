package postgres

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whisper-darkly/sticky-scheduler/store"
)

const reconnectDelay = 5 * time.Second

// subscription is a LISTEN stream on a dedicated pooled connection.
// A lost connection is re-acquired with a fixed delay; callers only
// ever see the next payload or a context error.
type subscription struct {
	pool    *pgxpool.Pool
	channel string
	conn    *pgxpool.Conn
}

// Subscribe opens a long-lived subscription on the configured channel.
func (d *DB) Subscribe(ctx context.Context) (store.Notifications, error) {
	s := &subscription{pool: d.pool, channel: d.channel}
	if err := s.connect(ctx); err != nil {
		// Not fatal: Next keeps retrying. Log so a misconfigured DSN is
		// visible immediately.
		log.Printf("store: subscribe %q: %v — will retry", d.channel, err)
	}
	return s, nil
}

func (s *subscription) connect(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		conn.Release()
		return fmt.Errorf("listen %q: %w", s.channel, err)
	}
	s.conn = conn
	return nil
}

// Next blocks until an announcement arrives. Transport errors trigger a
// reconnect; only ctx cancellation surfaces as an error.
func (s *subscription) Next(ctx context.Context) (store.Announcement, error) {
	for {
		if ctx.Err() != nil {
			return store.Announcement{}, ctx.Err()
		}
		if s.conn == nil {
			if err := s.connect(ctx); err != nil {
				log.Printf("store: %v — retrying in %s", err, reconnectDelay)
				select {
				case <-ctx.Done():
					return store.Announcement{}, ctx.Err()
				case <-time.After(reconnectDelay):
				}
				continue
			}
		}

		n, err := s.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return store.Announcement{}, ctx.Err()
			}
			log.Printf("store: listen connection lost: %v — reconnecting in %s", err, reconnectDelay)
			s.drop()
			select {
			case <-ctx.Done():
				return store.Announcement{}, ctx.Err()
			case <-time.After(reconnectDelay):
			}
			continue
		}
		return store.Announcement{Channel: n.Channel, Payload: n.Payload}, nil
	}
}

func (s *subscription) Close() {
	s.drop()
}

// drop releases the dedicated connection. The connection may be in an
// unknown state after an error, so it is destroyed rather than reused.
func (s *subscription) drop() {
	if s.conn != nil {
		s.conn.Conn().Close(context.Background())
		s.conn.Release()
		s.conn = nil
	}
}
