package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/cwygoda/scout/internal/domain"
)

var jobColumns = []string{
	"id", "user_id", "sector", "location", "keywords", "style", "status",
	"research", "COALESCE(error, '')", "COALESCE(dispatch_token, '')",
	"created_at", "updated_at", "started_at", "completed_at",
}

// Create inserts a new pending job.
func (r *Repository) Create(ctx context.Context, userID int64, req domain.Request) (*domain.Job, error) {
	keywords, err := marshal(req.Keywords)
	if err != nil {
		return nil, err
	}
	style, err := marshal(req.Style)
	if err != nil {
		return nil, err
	}

	now := r.now()
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (user_id, sector, location, keywords, style, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, req.Sector, req.Location, keywords, style, domain.StatusPending, now, now,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &domain.Job{
		ID:        id,
		UserID:    userID,
		Request:   req,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id int64) (*domain.Job, error) {
	row, err := r.queryRow(ctx, sq.Select(jobColumns...).From("jobs").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

// List returns a page of jobs, newest first, and the total matching count.
func (r *Repository) List(ctx context.Context, f domain.JobFilter) ([]domain.Job, int, error) {
	f = f.Normalize()
	where := sq.And{}
	if f.UserID != 0 {
		where = append(where, sq.Eq{"user_id": f.UserID})
	}
	if f.Status != "" {
		where = append(where, sq.Eq{"status": string(f.Status)})
	}

	countRow, err := r.queryRow(ctx, sq.Select("COUNT(*)").From("jobs").Where(where))
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := countRow.Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.query(ctx, sq.Select(jobColumns...).From("jobs").
		Where(where).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(f.PageSize)).
		Offset(uint64(f.Offset())))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, total, rows.Err()
}

// Transition atomically moves a job from one status to the next.
func (r *Repository) Transition(ctx context.Context, id int64, from, to domain.JobStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	if to.Terminal() {
		return fmt.Errorf("%w: use Complete or Fail to enter %s", domain.ErrInvalidTransition, to)
	}

	now := r.now()
	query := `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	args := []any{to, now, id, from}
	if to == domain.StatusResearching {
		query = `UPDATE jobs SET status = ?, updated_at = ?, started_at = COALESCE(started_at, ?) WHERE id = ? AND status = ?`
		args = []any{to, now, now, id, from}
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return r.missingOr(ctx, id, domain.ErrInvalidTransition)
	}
	return nil
}

// SaveResearch stores the research output of a researching job.
func (r *Repository) SaveResearch(ctx context.Context, id int64, out *domain.ResearchOutput) error {
	data, err := marshal(out)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET research = ?, updated_at = ? WHERE id = ? AND status = ?`,
		data, r.now(), id, domain.StatusResearching,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return r.missingOr(ctx, id, domain.ErrInvalidTransition)
	}
	return nil
}

// Complete moves a generating job to completed and charges the owner one
// article, both in one transaction.
func (r *Repository) Complete(ctx context.Context, id int64) (bool, error) {
	applied := false
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		now := r.now()
		result, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, completed_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			domain.StatusCompleted, now, now, id, domain.StatusGenerating,
		)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}

		period := domain.UsagePeriod(now)
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET
			   monthly_count = CASE WHEN usage_period = ? THEN monthly_count + 1 ELSE 1 END,
			   usage_period = ?,
			   updated_at = ?
			 WHERE id = (SELECT user_id FROM jobs WHERE id = ?)`,
			period, period, now, id,
		); err != nil {
			return fmt.Errorf("increment usage: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Fail moves a non-terminal job to failed.
func (r *Repository) Fail(ctx context.Context, id int64, reason string) (bool, error) {
	now := r.now()
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		domain.StatusFailed, reason, now, now, id, domain.StatusCompleted, domain.StatusFailed,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, r.missingOr(ctx, id, nil)
	}
	return true, nil
}

// Delete removes a terminal job, its article row and any queue entry.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		if err != nil {
			return err
		}
		if !domain.JobStatus(status).Terminal() {
			return domain.ErrJobInProgress
		}

		for _, stmt := range []string{
			`DELETE FROM articles WHERE job_id = ?`,
			`DELETE FROM dispatch_queue WHERE job_id = ?`,
			`DELETE FROM jobs WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// missingOr returns ErrJobNotFound when the job does not exist, else err.
func (r *Repository) missingOr(ctx context.Context, id int64, err error) error {
	var one int
	qerr := r.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one)
	if errors.Is(qerr, sql.ErrNoRows) {
		return domain.ErrJobNotFound
	}
	if qerr != nil {
		return qerr
	}
	return err
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		job                    domain.Job
		status                 string
		keywords, style        string
		research               sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.UserID, &job.Request.Sector, &job.Request.Location,
		&keywords, &style, &status, &research, &job.Error, &job.DispatchToken,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	job.StartedAt = nullTime(startedAt)
	job.CompletedAt = nullTime(completedAt)
	if err := json.Unmarshal([]byte(keywords), &job.Request.Keywords); err != nil {
		return nil, fmt.Errorf("decode keywords of job %d: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(style), &job.Request.Style); err != nil {
		return nil, fmt.Errorf("decode style of job %d: %w", job.ID, err)
	}
	if research.Valid && research.String != "" {
		job.Research = &domain.ResearchOutput{}
		if err := json.Unmarshal([]byte(research.String), job.Research); err != nil {
			return nil, fmt.Errorf("decode research of job %d: %w", job.ID, err)
		}
	}
	return &job, nil
}
