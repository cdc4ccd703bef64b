package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// Publisher delivers a drained outbox message to downstream collaborators
// (settlement, notifications, external audit sinks).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Dispatcher drains pending outbox rows and hands them to the Publisher.
// Messages that fail to publish keep their pending status and accumulate
// attempts; delivery is at-least-once.
type Dispatcher struct {
	pool    *pgxpool.Pool
	pub     Publisher
	log     *slog.Logger
	batch   int
	workers int
}

func NewDispatcher(pool *pgxpool.Pool, pub Publisher, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		pool:    pool,
		pub:     pub,
		log:     log,
		batch:   50,
		workers: 4,
	}
}

// Run polls the outbox at the given interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.DrainOnce(ctx); err != nil {
				d.log.Error("outbox drain failed", "err", err)
			}
		}
	}
}

// DrainOnce claims up to one batch of pending messages and publishes them
// concurrently. Rows are claimed with SKIP LOCKED so multiple dispatchers
// never double-deliver within one poll.
func (d *Dispatcher) DrainOnce(ctx context.Context) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("audit: begin drain tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claim = `
SELECT id, topic, payload, attempts
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	rows, err := tx.Query(ctx, claim, d.batch)
	if err != nil {
		return fmt.Errorf("audit: claim outbox rows: %w", err)
	}

	var msgs []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts); err != nil {
			rows.Close()
			return fmt.Errorf("audit: scan outbox row: %w", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("audit: iterate outbox rows: %w", err)
	}
	if len(msgs) == 0 {
		return tx.Commit(ctx)
	}

	results := make([]error, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, m := range msgs {
		g.Go(func() error {
			results[i] = d.pub.Publish(gctx, m.Topic, m.Payload)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("audit: publish batch: %w", err)
	}

	for i, m := range msgs {
		if results[i] == nil {
			if _, err := tx.Exec(ctx, `UPDATE outbox SET status='sent', attempts=attempts+1 WHERE id=$1`, m.ID); err != nil {
				return fmt.Errorf("audit: mark outbox sent: %w", err)
			}
			continue
		}
		d.log.Warn("outbox publish failed", "id", m.ID, "topic", m.Topic, "attempts", m.Attempts+1, "err", results[i])
		if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, m.ID); err != nil {
			return fmt.Errorf("audit: bump outbox attempts: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("audit: commit drain tx: %w", err)
	}
	return nil
}
