package cmd

import (
	"context"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/cwygoda/scout/internal/adapter/artifact"
	"github.com/cwygoda/scout/internal/adapter/llm"
	"github.com/cwygoda/scout/internal/adapter/notify"
	"github.com/cwygoda/scout/internal/adapter/research"
	"github.com/cwygoda/scout/internal/adapter/sqlite"
	"github.com/cwygoda/scout/internal/config"
	"github.com/cwygoda/scout/internal/domain"
	"github.com/cwygoda/scout/internal/observability"
	"github.com/cwygoda/scout/internal/pipeline"
	"github.com/cwygoda/scout/internal/worker"
)

// app holds the wired components shared by commands.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	repo    *sqlite.Repository
	backend artifact.Backend
	store   *artifact.Store
	svc     *domain.JobService
}

func openApp(ctx context.Context) (*app, error) {
	cfg := appConfig
	if cfg == nil {
		cfg = config.Default()
	}
	log := observability.CLILogger

	repo, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, exitError(foundry.ExitFileWriteError, "Failed to open database", err)
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		repo.Close()
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open artifact storage", err)
	}
	store := artifact.NewStore(backend, artifact.DefaultRenderers(cfg.Artifacts.FrontMatter), log.Named("artifacts"))

	svc := domain.NewJobService(domain.ServiceDeps{
		Jobs:       repo,
		Articles:   repo,
		Users:      repo,
		Dispatcher: repo,
		Store:      store,
		Quota:      cfg.QuotaPolicy(),
		Billing:    domain.NewBillingPolicy(cfg.Billing.PaystackCountries, cfg.QuotaPolicy()),
		Logger:     log.Named("jobs"),
	})

	return &app{cfg: cfg, log: log, repo: repo, backend: backend, store: store, svc: svc}, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (artifact.Backend, error) {
	switch cfg.Artifacts.Backend {
	case "s3":
		s3 := cfg.Artifacts.S3
		return artifact.NewS3Backend(ctx, artifact.S3Config{
			Bucket:          s3.Bucket,
			Prefix:          s3.Prefix,
			Region:          s3.Region,
			Endpoint:        s3.Endpoint,
			Profile:         s3.Profile,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			ForcePathStyle:  s3.ForcePathStyle,
		})
	case "file", "":
		return artifact.NewFileBackend(cfg.Artifacts.Dir)
	}
	return nil, fmt.Errorf("unknown artifact backend %q", cfg.Artifacts.Backend)
}

func (a *app) Close() {
	if err := a.repo.Close(); err != nil {
		a.log.Warn("Failed to close database", zap.Error(err))
	}
}

func (a *app) notifier() domain.Notifier {
	n := a.cfg.Notify
	switch n.Provider {
	case "resend":
		return notify.NewResend(notify.ResendConfig{
			APIKey:  n.APIKey,
			From:    n.From,
			BaseURL: n.BaseURL,
			AppURL:  n.AppURL,
		}, nil, a.log.Named("notify"))
	case "log":
		return notify.NewLog(a.log)
	}
	return nil
}

// orchestrator wires the pipeline with the configured providers.
func (a *app) orchestrator() (*pipeline.Orchestrator, error) {
	formats, err := a.cfg.Formats()
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid formats", err)
	}
	primary, _ := domain.ParseFormat(a.cfg.Pipeline.PrimaryFormat)
	p := a.cfg.Pipeline
	r := a.cfg.Research
	l := a.cfg.LLM

	return pipeline.New(pipeline.Deps{
		Jobs:     a.repo,
		Articles: a.repo,
		Users:    a.repo,
		Research: research.New(research.Config{
			SearchURL:         r.SearchURL,
			ResultSelector:    r.ResultSelector,
			RequestsPerSecond: r.RequestsPerSecond,
			MaxResults:        r.MaxResults,
			UserAgent:         r.UserAgent,
		}, nil, a.log.Named("research")),
		Draft: llm.New(llm.Config{
			BaseURL:           l.BaseURL,
			APIKey:            l.APIKey,
			Model:             l.Model,
			MaxTokens:         l.MaxTokens,
			Temperature:       l.Temperature,
			RequestsPerMinute: l.RequestsPerMinute,
		}, nil, a.log.Named("llm")),
		Store:    a.store,
		Notifier: a.notifier(),
		Logger:   a.log.Named("pipeline"),
		Config: pipeline.Config{
			ResearchTimeout: p.ResearchTimeout,
			DraftTimeout:    p.DraftTimeout,
			RenderTimeout:   p.RenderTimeout,
			NotifyTimeout:   p.NotifyTimeout,
			MaxAttempts:     p.MaxAttempts,
			Backoff:         pipeline.Backoff{Initial: p.BackoffInitial, Max: p.BackoffMax},
			Formats:         formats,
			PrimaryFormat:   primary,
		},
	}), nil
}

func (a *app) worker(orch *pipeline.Orchestrator) *worker.Worker {
	w := a.cfg.Worker
	return worker.New(a.repo, orch, a.svc, worker.Config{
		Concurrency:     w.Concurrency,
		PollInterval:    w.PollInterval,
		Lease:           w.Lease,
		MaxDeliveries:   w.MaxDeliveries,
		UsageResetEvery: w.UsageResetEvery,
		Backoff:         pipeline.Backoff{Initial: a.cfg.Pipeline.BackoffInitial, Max: w.Lease},
	}, a.log.Named("worker"))
}

// recoverQueue releases leases of a crashed process and queues jobs that were
// never enqueued.
func (a *app) recoverQueue(ctx context.Context) {
	if a.cfg.Worker.RecoverOnStart {
		if n, err := a.repo.RecoverStale(ctx); err != nil {
			a.log.Warn("Failed to recover stale leases", zap.Error(err))
		} else if n > 0 {
			a.log.Info("Recovered stale leases", zap.Int64("count", n))
		}
	}
	if n, err := a.repo.Reconcile(ctx); err != nil {
		a.log.Warn("Failed to reconcile queue", zap.Error(err))
	} else if n > 0 {
		a.log.Info("Queued orphaned jobs", zap.Int64("count", n))
	}
}
