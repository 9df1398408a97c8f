// Package pipeline drives a job from pending to a terminal state.
//
// A run is resumable: research already persisted is not repeated, an
// article row already written is not redrafted, and files already attached
// are not re-rendered. Every status change is a compare-and-set, so a
// duplicate delivery of the same job cannot complete it twice or charge the
// owner twice.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cwygoda/scout/internal/domain"
)

// Config tunes timeouts, retries and rendering.
type Config struct {
	ResearchTimeout time.Duration
	DraftTimeout    time.Duration
	RenderTimeout   time.Duration
	NotifyTimeout   time.Duration
	// MaxAttempts bounds calls to an external provider when it fails with
	// a transient error.
	MaxAttempts int
	Backoff     Backoff
	Formats     []domain.Format
	// PrimaryFormat must render for the job to complete.
	PrimaryFormat domain.Format
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ResearchTimeout: 2 * time.Minute,
		DraftTimeout:    5 * time.Minute,
		RenderTimeout:   time.Minute,
		NotifyTimeout:   30 * time.Second,
		MaxAttempts:     3,
		Backoff:         Backoff{Initial: 2 * time.Second, Max: 30 * time.Second},
		Formats:         []domain.Format{domain.FormatMarkdown, domain.FormatPDF},
		PrimaryFormat:   domain.FormatMarkdown,
	}
}

// Deps wires the orchestrator's collaborators. Notifier may be nil.
type Deps struct {
	Jobs     domain.JobRepository
	Articles domain.ArticleRepository
	Users    domain.UserRepository
	Research domain.ResearchProvider
	Draft    domain.DraftProvider
	Store    domain.ArtifactStore
	Notifier domain.Notifier
	Logger   *zap.Logger
	Config   Config
}

// Orchestrator runs the research, draft, render and complete stages of a job.
type Orchestrator struct {
	jobs     domain.JobRepository
	articles domain.ArticleRepository
	users    domain.UserRepository
	research domain.ResearchProvider
	draft    domain.DraftProvider
	store    domain.ArtifactStore
	notifier domain.Notifier
	log      *zap.Logger
	cfg      Config

	notifications sync.WaitGroup
}

// New creates an Orchestrator.
func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	cfg := d.Config
	def := DefaultConfig()
	if cfg.ResearchTimeout <= 0 {
		cfg.ResearchTimeout = def.ResearchTimeout
	}
	if cfg.DraftTimeout <= 0 {
		cfg.DraftTimeout = def.DraftTimeout
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = def.RenderTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = def.Formats
	}
	if cfg.PrimaryFormat == "" {
		cfg.PrimaryFormat = def.PrimaryFormat
	}
	if !slices.Contains(cfg.Formats, cfg.PrimaryFormat) {
		cfg.Formats = append([]domain.Format{cfg.PrimaryFormat}, cfg.Formats...)
	}
	return &Orchestrator{
		jobs:     d.Jobs,
		articles: d.Articles,
		users:    d.Users,
		research: d.Research,
		draft:    d.Draft,
		store:    d.Store,
		notifier: d.Notifier,
		log:      d.Logger,
		cfg:      cfg,
	}
}

// Run advances a job to a terminal state. Stage failures and panics are
// recorded on the job and reported in the Outcome, not as an error. A
// non-nil error means the run was interrupted or the terminal state could
// not be stored; the job is left resumable and should be redelivered.
func (o *Orchestrator) Run(ctx context.Context, jobID int64) (out Outcome, err error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return Outcome{JobID: jobID}, fmt.Errorf("load job %d: %w", jobID, err)
	}
	if job.Status.Terminal() {
		return o.settled(ctx, job)
	}

	log := o.log.With(zap.Int64("job_id", jobID), zap.Int64("user_id", job.UserID))
	log.Info("run started", zap.String("status", string(job.Status)))

	defer func() {
		if r := recover(); r != nil {
			log.Error("run panicked", zap.Any("panic", r), zap.String("stack", string(debug.Stack())))
			out, err = o.fail(ctx, job, fmt.Errorf("panic: %v", r), log)
		}
	}()

	article, err := o.advance(ctx, job, log)
	if errors.Is(err, errSettled) {
		current, gerr := o.jobs.Get(ctx, jobID)
		if gerr != nil {
			return Outcome{JobID: jobID, Status: job.Status}, fmt.Errorf("reload job %d: %w", jobID, gerr)
		}
		log.Info("job already settled by another run", zap.String("status", string(current.Status)))
		return o.settled(ctx, current)
	}
	if err != nil {
		if ctx.Err() != nil {
			log.Warn("run interrupted", zap.String("status", string(job.Status)), zap.Error(err))
			return Outcome{JobID: jobID, Status: job.Status}, fmt.Errorf("job %d interrupted: %w", jobID, ctx.Err())
		}
		return o.fail(ctx, job, err, log)
	}
	return o.complete(ctx, job, article, log)
}

// Abandon fails a job that could not be run, e.g. after repeated
// redelivery. Terminal jobs are returned unchanged.
func (o *Orchestrator) Abandon(ctx context.Context, jobID int64, cause error) (Outcome, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return Outcome{JobID: jobID}, fmt.Errorf("load job %d: %w", jobID, err)
	}
	if job.Status.Terminal() {
		return o.settled(ctx, job)
	}
	return o.fail(ctx, job, cause, o.log.With(zap.Int64("job_id", jobID)))
}

// Wait blocks until in-flight notifications finish.
func (o *Orchestrator) Wait() {
	o.notifications.Wait()
}

func (o *Orchestrator) advance(ctx context.Context, job *domain.Job, log *zap.Logger) (*domain.Article, error) {
	if job.Status == domain.StatusPending {
		if err := o.transition(ctx, job, domain.StatusResearching); err != nil {
			return nil, err
		}
	}

	if job.Status == domain.StatusResearching {
		if job.Research == nil {
			out, err := o.runResearch(ctx, job)
			if err != nil {
				return nil, domain.NewStageError(domain.StageResearch, err)
			}
			if err := o.jobs.SaveResearch(ctx, job.ID, out); err != nil {
				return nil, domain.NewStageError(domain.StagePersistence, fmt.Errorf("save research: %w", err))
			}
			job.Research = out
			log.Info("research saved",
				zap.Int("topics", len(out.Topics)),
				zap.Int("keywords", len(out.Keywords)))
		} else {
			log.Info("reusing saved research")
		}
		if err := o.transition(ctx, job, domain.StatusGenerating); err != nil {
			return nil, err
		}
	}

	article, err := o.articles.GetArticleByJob(ctx, job.ID)
	switch {
	case errors.Is(err, domain.ErrArticleNotFound):
		draft, err := o.runDraft(ctx, job)
		if err != nil {
			return nil, domain.NewStageError(domain.StageGeneration, err)
		}
		article, err = o.articles.CreateArticle(ctx, domain.NewArticle(job, draft))
		if err != nil {
			return nil, domain.NewStageError(domain.StagePersistence, fmt.Errorf("save article: %w", err))
		}
		log.Info("article saved", zap.Int64("article_id", article.ID), zap.Int("words", article.WordCount))
	case err != nil:
		return nil, domain.NewStageError(domain.StagePersistence, fmt.Errorf("load article: %w", err))
	default:
		log.Info("reusing saved article", zap.Int64("article_id", article.ID))
	}

	if err := o.render(ctx, article, log); err != nil {
		return nil, err
	}
	return article, nil
}

// errSettled stops a run whose job was finished by another run.
var errSettled = errors.New("job already settled")

// transition moves job to next. If another run moved the job first, the
// local copy is refreshed and the run continues from the stored status.
func (o *Orchestrator) transition(ctx context.Context, job *domain.Job, next domain.JobStatus) error {
	err := o.jobs.Transition(ctx, job.ID, job.Status, next)
	if err == nil {
		job.Status = next
		return nil
	}
	if !errors.Is(err, domain.ErrInvalidTransition) {
		return domain.NewStageError(domain.StagePersistence, fmt.Errorf("%s -> %s: %w", job.Status, next, err))
	}

	current, gerr := o.jobs.Get(ctx, job.ID)
	if gerr != nil {
		return domain.NewStageError(domain.StagePersistence, gerr)
	}
	if current.Status.Terminal() {
		*job = *current
		return errSettled
	}
	*job = *current
	return nil
}

func (o *Orchestrator) runResearch(ctx context.Context, job *domain.Job) (*domain.ResearchOutput, error) {
	q := domain.ResearchQuery{
		Sector:   job.Request.Sector,
		Location: job.Request.Location,
		Keywords: job.Request.Keywords,
	}
	var out *domain.ResearchOutput
	err := o.call(ctx, o.cfg.ResearchTimeout, func(ctx context.Context) error {
		var err error
		out, err = o.research.Research(ctx, q)
		return err
	})
	if err == nil && out == nil {
		err = errors.New("research returned no output")
	}
	return out, err
}

func (o *Orchestrator) runDraft(ctx context.Context, job *domain.Job) (*domain.Draft, error) {
	req := domain.DraftRequest{
		Sector:   job.Request.Sector,
		Location: job.Request.Location,
		Research: job.Research,
		Style:    job.Request.Style,
	}
	var draft *domain.Draft
	err := o.call(ctx, o.cfg.DraftTimeout, func(ctx context.Context) error {
		var err error
		draft, err = o.draft.Generate(ctx, req)
		return err
	})
	if err == nil && (draft == nil || draft.Body == "") {
		err = errors.New("draft is empty")
	}
	return draft, err
}

// call runs fn under a per-attempt timeout, retrying transient failures.
// A timeout fails the call without retry.
func (o *Orchestrator) call(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	return retry(ctx, o.cfg.MaxAttempts, o.cfg.Backoff, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := fn(cctx)
		if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("timed out after %s", timeout)
		}
		return err
	})
}

// render saves every configured format the article does not have yet.
// Only a failure of the primary format is returned.
func (o *Orchestrator) render(ctx context.Context, article *domain.Article, log *zap.Logger) error {
	var want []domain.Format
	for _, f := range o.cfg.Formats {
		if _, ok := article.Files[f]; !ok {
			want = append(want, f)
		}
	}
	if len(want) == 0 {
		return nil
	}

	files := make(map[domain.Format]string, len(o.cfg.Formats))
	for f, ref := range article.Files {
		files[f] = ref
	}
	failed := make(map[domain.Format]error)

	for attempt := 1; len(want) > 0; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, o.cfg.RenderTimeout)
		res := o.store.Save(rctx, domain.SaveRequest{Article: article, Formats: want})
		cancel()

		var again []domain.Format
		for _, f := range want {
			if ref, ok := res.Files[f]; ok && res.Errors[f] == nil {
				files[f] = ref
				delete(failed, f)
				continue
			}
			err := res.Errors[f]
			if err == nil {
				err = errors.New("no file produced")
			}
			failed[f] = err
			if domain.IsTransient(err) && attempt < o.cfg.MaxAttempts {
				again = append(again, f)
			}
		}
		want = again
		if len(want) > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.Backoff.Delay(attempt)):
			}
		}
	}

	if err, ok := failed[o.cfg.PrimaryFormat]; ok {
		o.discard(ctx, article.JobID, files, log)
		return domain.NewStageError(domain.StagePersistence, fmt.Errorf("render %s: %w", o.cfg.PrimaryFormat, err))
	}

	var missing []domain.Format
	for f, err := range failed {
		log.Warn("secondary format not rendered",
			zap.String("format", string(f)),
			zap.Error(domain.NewStageError(domain.StageRender, err)))
		missing = append(missing, f)
	}
	slices.Sort(missing)

	if err := o.articles.AttachFiles(ctx, article.ID, files, missing); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Another run settled the job; its files share our keys.
			return errSettled
		}
		o.discard(ctx, article.JobID, files, log)
		return domain.NewStageError(domain.StagePersistence, fmt.Errorf("attach files: %w", err))
	}
	article.Files = files
	article.MissingFormats = missing
	return nil
}

// discard removes files rendered in this run that the stored article does
// not hold. File keys are deterministic per job, so nothing is removed once
// another run has settled the job.
func (o *Orchestrator) discard(ctx context.Context, jobID int64, files map[domain.Format]string, log *zap.Logger) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil || job.Status != domain.StatusGenerating {
		return
	}
	held := make(map[string]struct{})
	current, err := o.articles.GetArticleByJob(ctx, jobID)
	switch {
	case err == nil:
		for _, ref := range current.Files {
			held[ref] = struct{}{}
		}
	case !errors.Is(err, domain.ErrArticleNotFound):
		log.Warn("could not reload article, keeping rendered files", zap.Error(err))
		return
	}

	var refs []string
	for _, ref := range files {
		if _, ok := held[ref]; !ok {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return
	}
	slices.Sort(refs)
	if err := o.store.Delete(ctx, refs); err != nil {
		log.Warn("orphaned artifact files", zap.Strings("refs", refs), zap.Error(err))
	}
}

func (o *Orchestrator) complete(ctx context.Context, job *domain.Job, article *domain.Article, log *zap.Logger) (Outcome, error) {
	applied, err := o.jobs.Complete(ctx, job.ID)
	if err != nil {
		return o.fail(ctx, job, domain.NewStageError(domain.StagePersistence, fmt.Errorf("complete: %w", err)), log)
	}
	if !applied {
		current, err := o.jobs.Get(ctx, job.ID)
		if err != nil {
			return Outcome{JobID: job.ID, Status: job.Status}, fmt.Errorf("reload job %d: %w", job.ID, err)
		}
		log.Info("job already settled by another run", zap.String("status", string(current.Status)))
		return o.settled(ctx, current)
	}

	job.Status = domain.StatusCompleted
	log.Info("job completed",
		zap.Int64("article_id", article.ID),
		zap.Int("words", article.WordCount),
		zap.Int("missing_formats", len(article.MissingFormats)))

	o.notify(job, log, "ready", func(ctx context.Context, u *domain.User) error {
		return o.notifier.NotifyReady(ctx, u, job, article)
	})

	return Outcome{
		JobID:          job.ID,
		Status:         domain.StatusCompleted,
		ArticleID:      article.ID,
		MissingFormats: article.MissingFormats,
	}, nil
}

// fail is the single place a run's error becomes a failed job. Usage is
// never touched; partial article content and files are removed.
func (o *Orchestrator) fail(ctx context.Context, job *domain.Job, cause error, log *zap.Logger) (Outcome, error) {
	reason := Reason(cause)

	applied, err := o.jobs.Fail(ctx, job.ID, reason)
	if err != nil {
		log.Error("could not record failure", zap.NamedError("cause", cause), zap.Error(err))
		return Outcome{JobID: job.ID, Status: job.Status}, fmt.Errorf("record failure of job %d: %w", job.ID, err)
	}
	if !applied {
		current, err := o.jobs.Get(ctx, job.ID)
		if err != nil {
			return Outcome{JobID: job.ID, Status: job.Status}, fmt.Errorf("reload job %d: %w", job.ID, err)
		}
		return o.settled(ctx, current)
	}

	job.Status = domain.StatusFailed
	job.Error = reason
	log.Error("job failed", zap.String("reason", reason), zap.Error(cause))

	if a, err := o.articles.GetArticleByJob(ctx, job.ID); err == nil {
		if refs := a.Refs(); len(refs) > 0 {
			if err := o.store.Delete(ctx, refs); err != nil {
				log.Warn("orphaned artifact files", zap.Strings("refs", refs), zap.Error(err))
			}
		}
		if err := o.articles.DeleteArticle(ctx, a.ID); err != nil {
			log.Warn("could not remove partial article", zap.Int64("article_id", a.ID), zap.Error(err))
		}
	}

	o.notify(job, log, "failed", func(ctx context.Context, u *domain.User) error {
		return o.notifier.NotifyFailed(ctx, u, job, reason)
	})

	return Outcome{JobID: job.ID, Status: domain.StatusFailed, Reason: reason}, nil
}

// settled reports the outcome of a job that is already terminal.
func (o *Orchestrator) settled(ctx context.Context, job *domain.Job) (Outcome, error) {
	out := Outcome{JobID: job.ID, Status: job.Status, Reason: job.Error}
	if job.Status == domain.StatusCompleted {
		a, err := o.articles.GetArticleByJob(ctx, job.ID)
		if err != nil {
			return out, fmt.Errorf("load article of job %d: %w", job.ID, err)
		}
		out.ArticleID = a.ID
		out.MissingFormats = a.MissingFormats
	}
	return out, nil
}

// notify sends a best-effort notification without blocking the run.
func (o *Orchestrator) notify(job *domain.Job, log *zap.Logger, kind string, send func(context.Context, *domain.User) error) {
	if o.notifier == nil {
		return
	}
	o.notifications.Add(1)
	go func() {
		defer o.notifications.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.NotifyTimeout)
		defer cancel()

		u, err := o.users.GetUser(ctx, job.UserID)
		if err == nil {
			err = send(ctx, u)
		}
		if err != nil {
			log.Warn("notification not sent",
				zap.String("kind", kind),
				zap.Error(domain.NewStageError(domain.StageNotification, err)))
			return
		}
		log.Debug("notification sent", zap.String("kind", kind))
	}()
}
