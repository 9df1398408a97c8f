package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/scout/internal/domain"
)

// Enqueue adds a job to the dispatch queue and records its dispatch token.
// Enqueueing a job that is already queued returns the existing token.
func (r *Repository) Enqueue(ctx context.Context, jobID int64) (string, error) {
	var token string
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		now := r.now().UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dispatch_queue (job_id, token, available_at, enqueued_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(job_id) DO NOTHING`,
			jobID, uuid.NewString(), now, now,
		); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT token FROM dispatch_queue WHERE job_id = ?`, jobID,
		).Scan(&token); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx,
			`UPDATE jobs SET dispatch_token = ? WHERE id = ?`, token, jobID)
		if err != nil {
			return err
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return domain.ErrJobNotFound
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Lease hands up to limit available jobs to worker for the lease duration.
// A job whose lease expired is available again.
func (r *Repository) Lease(ctx context.Context, worker string, lease time.Duration, limit int) ([]domain.Delivery, error) {
	now := r.now()
	nowMs := now.UnixMilli()

	rows, err := r.db.QueryContext(ctx,
		`SELECT job_id, token, attempts FROM dispatch_queue
		 WHERE available_at <= ? AND (leased_until IS NULL OR leased_until <= ?)
		 ORDER BY available_at ASC, job_id ASC
		 LIMIT ?`,
		nowMs, nowMs, limit,
	)
	if err != nil {
		return nil, err
	}
	var candidates []domain.Delivery
	for rows.Next() {
		var d domain.Delivery
		if err := rows.Scan(&d.JobID, &d.Token, &d.Attempt); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	until := now.Add(lease).UnixMilli()
	var leased []domain.Delivery
	for _, d := range candidates {
		result, err := r.db.ExecContext(ctx,
			`UPDATE dispatch_queue SET leased_by = ?, leased_until = ?, attempts = attempts + 1
			 WHERE job_id = ? AND token = ? AND (leased_until IS NULL OR leased_until <= ?)`,
			worker, until, d.JobID, d.Token, nowMs,
		)
		if err != nil {
			return leased, err
		}
		if n, _ := result.RowsAffected(); n == 0 {
			continue
		}
		d.Attempt++
		d.LeasedBy = worker
		leased = append(leased, d)
	}
	return leased, nil
}

// Extend pushes the lease of a held delivery forward.
func (r *Repository) Extend(ctx context.Context, d domain.Delivery, lease time.Duration) error {
	return r.heldUpdate(ctx,
		`UPDATE dispatch_queue SET leased_until = ? WHERE job_id = ? AND token = ? AND leased_by = ?`,
		r.now().Add(lease).UnixMilli(), d.JobID, d.Token, d.LeasedBy,
	)
}

// Ack removes a finished delivery from the queue.
func (r *Repository) Ack(ctx context.Context, d domain.Delivery) error {
	return r.heldUpdate(ctx,
		`DELETE FROM dispatch_queue WHERE job_id = ? AND token = ? AND leased_by = ?`,
		d.JobID, d.Token, d.LeasedBy,
	)
}

// Nack releases a delivery for redelivery after delay.
func (r *Repository) Nack(ctx context.Context, d domain.Delivery, delay time.Duration, reason string) error {
	return r.heldUpdate(ctx,
		`UPDATE dispatch_queue
		 SET leased_by = NULL, leased_until = NULL, available_at = ?, last_error = ?
		 WHERE job_id = ? AND token = ? AND leased_by = ?`,
		r.now().Add(delay).UnixMilli(), reason, d.JobID, d.Token, d.LeasedBy,
	)
}

func (r *Repository) heldUpdate(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// RecoverStale releases every lease (for crash recovery). Only call it when
// no other worker process shares the database.
func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE dispatch_queue SET leased_by = NULL, leased_until = NULL,
		        last_error = 'recovered after crash'
		 WHERE leased_by IS NOT NULL`,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Reconcile queues every non-terminal job that has no queue entry, e.g.
// after a crash between job creation and enqueue.
func (r *Repository) Reconcile(ctx context.Context) (int64, error) {
	var n int64
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM jobs
			 WHERE status NOT IN (?, ?)
			   AND id NOT IN (SELECT job_id FROM dispatch_queue)`,
			domain.StatusCompleted, domain.StatusFailed,
		)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := r.now().UnixMilli()
		for _, id := range ids {
			token := uuid.NewString()
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO dispatch_queue (job_id, token, available_at, enqueued_at) VALUES (?, ?, ?, ?)`,
				id, token, now, now,
			); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET dispatch_token = ? WHERE id = ?`, token, id,
			); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// QueueStats summarizes the dispatch queue.
type QueueStats struct {
	Queued int
	Leased int
}

// Stats counts queued and leased deliveries.
func (r *Repository) Stats(ctx context.Context) (QueueStats, error) {
	var s QueueStats
	nowMs := r.now().UnixMilli()
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN leased_until > ? THEN 1 ELSE 0 END), 0)
		 FROM dispatch_queue`, nowMs,
	).Scan(&s.Queued, &s.Leased)
	return s, err
}
