package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/cwygoda/scout/internal/domain"
)

// Log writes notifications to the logger instead of sending them.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log.Named("notify")}
}

func (l *Log) NotifyReady(_ context.Context, u *domain.User, job *domain.Job, a *domain.Article) error {
	l.log.Info("article ready",
		zap.Int64("job_id", job.ID),
		zap.String("to", u.Email),
		zap.String("title", a.Title),
		zap.Strings("missing_formats", formatNames(a.MissingFormats)))
	return nil
}

func (l *Log) NotifyFailed(_ context.Context, u *domain.User, job *domain.Job, reason string) error {
	l.log.Info("article failed",
		zap.Int64("job_id", job.ID),
		zap.String("to", u.Email),
		zap.String("reason", reason))
	return nil
}

func formatNames(formats []domain.Format) []string {
	out := make([]string, len(formats))
	for i, f := range formats {
		out[i] = string(f)
	}
	return out
}
