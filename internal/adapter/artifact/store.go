package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gosimple/slug"
	"go.uber.org/zap"

	"github.com/cwygoda/scout/internal/domain"
)

const maxSlugLen = 50

// Store implements domain.ArtifactStore on top of a Backend.
type Store struct {
	backend   Backend
	renderers Renderers
	log       *zap.Logger
}

// NewStore creates a Store. renderers defaults to DefaultRenderers(false).
func NewStore(backend Backend, renderers Renderers, log *zap.Logger) *Store {
	if renderers == nil {
		renderers = DefaultRenderers(false)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{backend: backend, renderers: renderers, log: log}
}

// Key returns user_<uid>/<jobid>_<slug>.<ext> for an article.
func Key(a *domain.Article, f domain.Format) string {
	s := slug.Make(a.Title)
	if len(s) > maxSlugLen {
		s = strings.TrimRight(s[:maxSlugLen], "-")
	}
	if s == "" {
		s = "article"
	}
	return fmt.Sprintf("user_%d/%d_%s.%s", a.UserID, a.JobID, s, f.Extension())
}

// Save renders and stores each requested format independently.
func (s *Store) Save(ctx context.Context, req domain.SaveRequest) domain.SaveResult {
	res := domain.SaveResult{
		Files:  make(map[domain.Format]string, len(req.Formats)),
		Errors: make(map[domain.Format]error),
	}
	for _, f := range req.Formats {
		if err := ctx.Err(); err != nil {
			res.Errors[f] = err
			continue
		}
		key, err := s.save(ctx, req.Article, f)
		if err != nil {
			s.log.Warn("render failed",
				zap.Int64("job_id", req.Article.JobID),
				zap.String("format", string(f)),
				zap.Error(err))
			res.Errors[f] = err
			continue
		}
		res.Files[f] = key
	}
	return res
}

func (s *Store) save(ctx context.Context, a *domain.Article, f domain.Format) (string, error) {
	r, ok := s.renderers[f]
	if !ok {
		return "", fmt.Errorf("no renderer for format %q", f)
	}
	data, err := r.Render(a)
	if err != nil {
		return "", err
	}
	key := Key(a, f)
	if err := s.backend.Put(ctx, key, r.ContentType(), data); err != nil {
		return "", err
	}
	return key, nil
}

// Delete removes every ref. Missing objects count as deleted.
func (s *Store) Delete(ctx context.Context, refs []string) error {
	var errs []error
	for _, ref := range refs {
		if err := s.backend.Delete(ctx, ref); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete %s: %w", ref, err))
		}
	}
	return errors.Join(errs...)
}

// Open streams a stored file. Missing files map to domain.ErrArticleNotFound.
func (s *Store) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	rc, err := s.backend.Get(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrArticleNotFound, ref)
	}
	return rc, err
}
