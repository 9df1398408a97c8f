package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cwygoda/scout/internal/domain"
)

// memRepo is an in-memory job, article and user store with the same
// compare-and-set semantics as the SQLite adapter.
type memRepo struct {
	mu       sync.Mutex
	jobs     map[int64]*domain.Job
	articles map[int64]*domain.Article // by job id
	users    map[int64]*domain.User
	nextID   int64

	transitions []string
	completeErr error
	failErr     error
	attachErr   error
}

func newMemRepo() *memRepo {
	return &memRepo{
		jobs:     make(map[int64]*domain.Job),
		articles: make(map[int64]*domain.Article),
		users:    make(map[int64]*domain.User),
		nextID:   1,
	}
}

func (m *memRepo) addUser(tier domain.Tier) *domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &domain.User{ID: m.nextID, Email: "owner@example.com", Tier: tier, UsagePeriod: domain.UsagePeriod(time.Now())}
	m.users[u.ID] = u
	m.nextID++
	return u
}

func (m *memRepo) usage(userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID].MonthlyCount
}

func (m *memRepo) job(id int64) domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memRepo) article(jobID int64) (*domain.Article, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[jobID]
	if !ok {
		return nil, false
	}
	return copyArticle(a), true
}

func (m *memRepo) Create(ctx context.Context, userID int64, req domain.Request) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := &domain.Job{ID: m.nextID, UserID: userID, Request: req, Status: domain.StatusPending, CreatedAt: time.Now()}
	m.jobs[j.ID] = j
	m.nextID++
	c := *j
	return &c, nil
}

func (m *memRepo) Get(ctx context.Context, id int64) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	c := *j
	return &c, nil
}

func (m *memRepo) List(ctx context.Context, f domain.JobFilter) ([]domain.Job, int, error) {
	return nil, 0, nil
}

func (m *memRepo) Transition(ctx context.Context, id int64, from, to domain.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status != from || !from.CanTransitionTo(to) {
		return domain.ErrInvalidTransition
	}
	j.Status = to
	m.transitions = append(m.transitions, fmt.Sprintf("%s->%s", from, to))
	return nil
}

func (m *memRepo) SaveResearch(ctx context.Context, id int64, out *domain.ResearchOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Research = out
	return nil
}

func (m *memRepo) Complete(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return false, m.completeErr
	}
	j := m.jobs[id]
	if j.Status != domain.StatusGenerating {
		return false, nil
	}
	j.Status = domain.StatusCompleted
	now := time.Now()
	j.CompletedAt = &now
	m.users[j.UserID].MonthlyCount++
	m.transitions = append(m.transitions, "generating->completed")
	return true, nil
}

func (m *memRepo) Fail(ctx context.Context, id int64, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return false, m.failErr
	}
	j := m.jobs[id]
	if j.Status.Terminal() {
		return false, nil
	}
	m.transitions = append(m.transitions, fmt.Sprintf("%s->failed", j.Status))
	j.Status = domain.StatusFailed
	j.Error = reason
	now := time.Now()
	j.CompletedAt = &now
	return true, nil
}

func (m *memRepo) Delete(ctx context.Context, id int64) error { return nil }

func (m *memRepo) CreateArticle(ctx context.Context, a *domain.Article) (*domain.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.articles[a.JobID]; ok {
		return copyArticle(existing), nil
	}
	c := copyArticle(a)
	c.ID = m.nextID
	m.nextID++
	m.articles[a.JobID] = c
	return copyArticle(c), nil
}

// copyArticle detaches an article from the store, as a database row would be.
func copyArticle(a *domain.Article) *domain.Article {
	c := *a
	c.Files = maps.Clone(a.Files)
	c.MissingFormats = slices.Clone(a.MissingFormats)
	return &c
}

func (m *memRepo) GetArticleByJob(ctx context.Context, jobID int64) (*domain.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[jobID]
	if !ok {
		return nil, domain.ErrArticleNotFound
	}
	return copyArticle(a), nil
}

func (m *memRepo) AttachFiles(ctx context.Context, id int64, files map[domain.Format]string, missing []domain.Format) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attachErr != nil {
		return m.attachErr
	}
	for _, a := range m.articles {
		if a.ID == id {
			if m.jobs[a.JobID].Status != domain.StatusGenerating {
				return domain.ErrInvalidTransition
			}
			a.Files = maps.Clone(files)
			a.MissingFormats = slices.Clone(missing)
			return nil
		}
	}
	return domain.ErrArticleNotFound
}

func (m *memRepo) DeleteArticle(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for jobID, a := range m.articles {
		if a.ID == id {
			delete(m.articles, jobID)
		}
	}
	return nil
}

func (m *memRepo) ListFileRefs(ctx context.Context) ([]string, error) { return nil, nil }

func (m *memRepo) CreateUser(ctx context.Context, nu domain.NewUser, p domain.PaymentProvider) (*domain.User, error) {
	return nil, errors.New("not implemented")
}

func (m *memRepo) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	c := *u
	return &c, nil
}

func (m *memRepo) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return nil, domain.ErrUserNotFound
}

func (m *memRepo) SetTier(ctx context.Context, id int64, tier domain.Tier) error { return nil }

func (m *memRepo) ResetUsage(ctx context.Context, period string) (int64, error) { return 0, nil }

type fakeResearch struct {
	mu    sync.Mutex
	calls int
	out   *domain.ResearchOutput
	errs  []error // returned in order, then nil
	panic bool
	block bool
}

func (f *fakeResearch) Research(ctx context.Context, q domain.ResearchQuery) (*domain.ResearchOutput, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.panic {
		panic("research exploded")
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if n <= len(f.errs) && f.errs[n-1] != nil {
		return nil, f.errs[n-1]
	}
	return f.out, nil
}

func (f *fakeResearch) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDraft struct {
	mu    sync.Mutex
	calls int
	draft *domain.Draft
	err   error
}

func (f *fakeDraft) Generate(ctx context.Context, req domain.DraftRequest) (*domain.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.draft, nil
}

func (f *fakeDraft) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStore struct {
	mu      sync.Mutex
	fail    map[domain.Format]error
	saved   []string
	deleted []string
	calls   int
	// beforeSave runs once, unlocked, at the start of the next Save.
	beforeSave func()
}

func (s *fakeStore) setFail(f domain.Format, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[f] = err
}

func (s *fakeStore) deletedRefs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.deleted)
}

func (s *fakeStore) Save(ctx context.Context, req domain.SaveRequest) domain.SaveResult {
	s.mu.Lock()
	hook := s.beforeSave
	s.beforeSave = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	res := domain.SaveResult{Files: map[domain.Format]string{}, Errors: map[domain.Format]error{}}
	for _, f := range req.Formats {
		if err := s.fail[f]; err != nil {
			res.Errors[f] = err
			continue
		}
		ref := fmt.Sprintf("user_%d/%d_article.%s", req.Article.UserID, req.Article.JobID, f.Extension())
		res.Files[f] = ref
		s.saved = append(s.saved, ref)
	}
	return res
}

func (s *fakeStore) Delete(ctx context.Context, refs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, refs...)
	return nil
}

func (s *fakeStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(ref)), nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	ready  []int64
	failed []string
	err    error
}

func (n *fakeNotifier) NotifyReady(ctx context.Context, u *domain.User, job *domain.Job, a *domain.Article) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ready = append(n.ready, job.ID)
	return n.err
}

func (n *fakeNotifier) NotifyFailed(ctx context.Context, u *domain.User, job *domain.Job, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, reason)
	return n.err
}
