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

var articleColumns = []string{
	"id", "job_id", "user_id", "title", "body", "summary", "keyword_digest",
	"word_count", "reading_minutes", "files", "missing_formats", "created_at",
}

// CreateArticle stores the article of a job. The insert is keyed on the
// job, so a repeated call returns the row already stored.
func (r *Repository) CreateArticle(ctx context.Context, a *domain.Article) (*domain.Article, error) {
	files, err := marshal(filesOrEmpty(a.Files))
	if err != nil {
		return nil, err
	}
	missing, err := marshal(formatsOrEmpty(a.MissingFormats))
	if err != nil {
		return nil, err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO articles (job_id, user_id, title, body, summary, keyword_digest,
		                       word_count, reading_minutes, files, missing_formats, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO NOTHING`,
		a.JobID, a.UserID, a.Title, a.Body, a.Summary, a.KeywordDigest,
		a.WordCount, a.ReadingMinutes, files, missing, r.now(),
	)
	if err != nil {
		return nil, err
	}
	return r.GetArticleByJob(ctx, a.JobID)
}

// GetArticleByJob retrieves the article of a job.
func (r *Repository) GetArticleByJob(ctx context.Context, jobID int64) (*domain.Article, error) {
	row, err := r.queryRow(ctx, sq.Select(articleColumns...).From("articles").Where(sq.Eq{"job_id": jobID}))
	if err != nil {
		return nil, err
	}
	return scanArticle(row)
}

// AttachFiles records the rendered file references of an article. The
// update applies only while the owning job is generating; once the job is
// terminal it returns ErrInvalidTransition.
func (r *Repository) AttachFiles(ctx context.Context, id int64, files map[domain.Format]string, missing []domain.Format) error {
	filesJSON, err := marshal(filesOrEmpty(files))
	if err != nil {
		return err
	}
	missingJSON, err := marshal(formatsOrEmpty(missing))
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE articles SET files = ?, missing_formats = ?
		 WHERE id = ? AND job_id IN (SELECT id FROM jobs WHERE status = ?)`,
		filesJSON, missingJSON, id, domain.StatusGenerating,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var one int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM articles WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrArticleNotFound
		}
		if err != nil {
			return err
		}
		return domain.ErrInvalidTransition
	}
	return nil
}

// DeleteArticle removes an article row.
func (r *Repository) DeleteArticle(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM articles WHERE id = ?`, id)
	return err
}

// ListFileRefs returns every file reference held by an article.
func (r *Repository) ListFileRefs(ctx context.Context) ([]string, error) {
	rows, err := r.query(ctx, sq.Select("files").From("articles"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var files map[domain.Format]string
		if err := json.Unmarshal([]byte(raw), &files); err != nil {
			return nil, err
		}
		for _, ref := range files {
			refs = append(refs, ref)
		}
	}
	return refs, rows.Err()
}

func scanArticle(row scanner) (*domain.Article, error) {
	var (
		a              domain.Article
		files, missing string
	)
	err := row.Scan(
		&a.ID, &a.JobID, &a.UserID, &a.Title, &a.Body, &a.Summary, &a.KeywordDigest,
		&a.WordCount, &a.ReadingMinutes, &files, &missing, &a.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrArticleNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(files), &a.Files); err != nil {
		return nil, fmt.Errorf("decode files of article %d: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(missing), &a.MissingFormats); err != nil {
		return nil, fmt.Errorf("decode missing formats of article %d: %w", a.ID, err)
	}
	if len(a.Files) == 0 {
		a.Files = nil
	}
	if len(a.MissingFormats) == 0 {
		a.MissingFormats = nil
	}
	return &a, nil
}

func filesOrEmpty(files map[domain.Format]string) map[domain.Format]string {
	if files == nil {
		return map[domain.Format]string{}
	}
	return files
}

func formatsOrEmpty(formats []domain.Format) []domain.Format {
	if formats == nil {
		return []domain.Format{}
	}
	return formats
}
