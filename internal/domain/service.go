package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ServiceDeps wires the collaborators of JobService.
type ServiceDeps struct {
	Jobs       JobRepository
	Articles   ArticleRepository
	Users      UserRepository
	Dispatcher Dispatcher
	Store      ArtifactStore
	Quota      QuotaPolicy
	Billing    *BillingPolicy
	Logger     *zap.Logger
	Now        func() time.Time
}

// JobService gates job creation and serves queries on jobs and usage.
type JobService struct {
	jobs       JobRepository
	articles   ArticleRepository
	users      UserRepository
	dispatcher Dispatcher
	store      ArtifactStore
	quota      QuotaPolicy
	billing    *BillingPolicy
	log        *zap.Logger
	now        func() time.Time
}

// NewJobService creates a new JobService.
func NewJobService(d ServiceDeps) *JobService {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Billing == nil {
		d.Billing = NewBillingPolicy(DefaultPaystackCountries, d.Quota)
	}
	return &JobService{
		jobs:       d.Jobs,
		articles:   d.Articles,
		users:      d.Users,
		dispatcher: d.Dispatcher,
		store:      d.Store,
		quota:      d.Quota,
		billing:    d.Billing,
		log:        d.Logger,
		now:        d.Now,
	}
}

// Submit validates req, checks the user's quota and queues a new job.
// No job is created when the quota is exhausted.
func (s *JobService) Submit(ctx context.Context, userID int64, req Request) (*Job, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.quota.Check(user, s.now()); err != nil {
		return nil, err
	}

	job, err := s.jobs.Create(ctx, userID, req)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	token, err := s.dispatcher.Enqueue(ctx, job.ID)
	if err != nil {
		if _, ferr := s.jobs.Fail(ctx, job.ID, "could not be queued"); ferr != nil {
			s.log.Error("mark unqueued job failed", zap.Int64("job_id", job.ID), zap.Error(ferr))
		}
		return nil, fmt.Errorf("enqueue job %d: %w", job.ID, err)
	}
	job.DispatchToken = token

	s.log.Info("job submitted",
		zap.Int64("job_id", job.ID),
		zap.Int64("user_id", userID),
		zap.String("sector", req.Sector),
		zap.String("location", req.Location))
	return job, nil
}

// Get retrieves a job by ID. A non-zero userID restricts the lookup to
// that user's jobs.
func (s *JobService) Get(ctx context.Context, userID, id int64) (*Job, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != 0 && job.UserID != userID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// List returns a page of jobs and the total count matching filter.
func (s *JobService) List(ctx context.Context, filter JobFilter) ([]Job, int, error) {
	filter = filter.Normalize()
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, filter.Status)
	}
	return s.jobs.List(ctx, filter)
}

// Delete removes a terminal job, its article and its files. Files that
// cannot be removed are logged and left for the artifact sweep.
func (s *JobService) Delete(ctx context.Context, userID, id int64) error {
	job, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return ErrJobInProgress
	}

	article, err := s.articles.GetArticleByJob(ctx, id)
	switch {
	case errors.Is(err, ErrArticleNotFound):
		article = nil
	case err != nil:
		return err
	}

	if err := s.jobs.Delete(ctx, id); err != nil {
		return err
	}

	if article != nil {
		if refs := article.Refs(); len(refs) > 0 {
			if err := s.store.Delete(ctx, refs); err != nil {
				s.log.Warn("orphaned artifact files",
					zap.Int64("job_id", id),
					zap.Strings("refs", refs),
					zap.Error(err))
			}
		}
	}
	s.log.Info("job deleted", zap.Int64("job_id", id))
	return nil
}

// Article returns the article of a completed job.
func (s *JobService) Article(ctx context.Context, userID, jobID int64) (*Article, error) {
	if _, err := s.Get(ctx, userID, jobID); err != nil {
		return nil, err
	}
	return s.articles.GetArticleByJob(ctx, jobID)
}

// OpenArticleFile opens one rendered format of a job's article.
func (s *JobService) OpenArticleFile(ctx context.Context, userID, jobID int64, format Format) (io.ReadCloser, string, error) {
	a, err := s.Article(ctx, userID, jobID)
	if err != nil {
		return nil, "", err
	}
	ref, ok := a.Files[format]
	if !ok {
		return nil, "", fmt.Errorf("%w: no %s file", ErrArticleNotFound, format)
	}
	rc, err := s.store.Open(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	name := ref
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		name = ref[i+1:]
	}
	return rc, name, nil
}

// UsageReport summarizes a user's allowance.
type UsageReport struct {
	User      *User
	Used      int
	Limit     Limit
	Remaining int
	Provider  PaymentProvider
	Plans     []Plan
}

// Usage reports the current-period allowance of a user.
func (s *JobService) Usage(ctx context.Context, userID int64) (*UsageReport, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	return &UsageReport{
		User:      u,
		Used:      u.UsageAt(now),
		Limit:     s.quota.Limit(u.Tier),
		Remaining: s.quota.Remaining(u, now),
		Provider:  s.billing.ProviderFor(u.Country),
		Plans:     s.billing.Pricing(u.Country),
	}, nil
}

// RegisterUser creates a user and assigns its payment provider.
func (s *JobService) RegisterUser(ctx context.Context, nu NewUser) (*User, error) {
	nu.Email = strings.TrimSpace(strings.ToLower(nu.Email))
	if nu.Email == "" || !strings.Contains(nu.Email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidRequest)
	}
	if nu.Tier == "" {
		nu.Tier = TierFree
	}
	if _, ok := ParseTier(string(nu.Tier)); !ok {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidRequest, nu.Tier)
	}
	nu.Country = normalizeCountry(nu.Country)
	return s.users.CreateUser(ctx, nu, s.billing.ProviderFor(nu.Country))
}

// SetTier changes a user's subscription tier.
func (s *JobService) SetTier(ctx context.Context, userID int64, tier Tier) error {
	if _, ok := ParseTier(string(tier)); !ok {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidRequest, tier)
	}
	return s.users.SetTier(ctx, userID, tier)
}

// ResetMonthlyUsage zeroes counters left over from earlier periods.
func (s *JobService) ResetMonthlyUsage(ctx context.Context) (int64, error) {
	n, err := s.users.ResetUsage(ctx, UsagePeriod(s.now()))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("monthly usage reset", zap.Int64("users", n))
	}
	return n, nil
}
