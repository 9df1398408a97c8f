package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/scout/internal/domain"
)

type harness struct {
	repo     *memRepo
	research *fakeResearch
	draft    *fakeDraft
	store    *fakeStore
	notifier *fakeNotifier
	orch     *Orchestrator
	user     *domain.User
}

func ghanaResearch() *domain.ResearchOutput {
	out := &domain.ResearchOutput{}
	for i := 0; i < 5; i++ {
		out.Topics = append(out.Topics, domain.Topic{Title: fmt.Sprintf("topic %d", i), Relevance: 5 - i})
	}
	for i := 0; i < 12; i++ {
		out.Keywords = append(out.Keywords, fmt.Sprintf("keyword%d", i))
	}
	return out
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		repo:     newMemRepo(),
		research: &fakeResearch{out: ghanaResearch()},
		draft: &fakeDraft{draft: &domain.Draft{
			Title:   "Ghana Real Estate in 2026",
			Summary: "Where the market is heading.",
			Body:    strings.TrimSpace(strings.Repeat("word ", 1400)),
		}},
		store:    &fakeStore{fail: map[domain.Format]error{}},
		notifier: &fakeNotifier{},
	}
	if cfg.Backoff.Initial == 0 {
		cfg.Backoff = Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond}
	}
	h.orch = New(Deps{
		Jobs:     h.repo,
		Articles: h.repo,
		Users:    h.repo,
		Research: h.research,
		Draft:    h.draft,
		Store:    h.store,
		Notifier: h.notifier,
		Config:   cfg,
	})
	h.user = h.repo.addUser(domain.TierFree)
	return h
}

func (h *harness) newJob(t *testing.T) *domain.Job {
	t.Helper()
	job, err := h.repo.Create(context.Background(), h.user.ID, domain.Request{
		Sector:   "Real Estate",
		Location: "Ghana",
	}.Normalize())
	require.NoError(t, err)
	return job
}

func TestOrchestrator_Run_Completes(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.newJob(t)

	out, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, domain.StatusCompleted, out.Status)
	assert.NotZero(t, out.ArticleID)
	assert.Empty(t, out.MissingFormats)

	stored := h.repo.job(job.ID)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	require.NotNil(t, stored.Research)
	assert.Len(t, stored.Research.Topics, 5)
	assert.Len(t, stored.Research.Keywords, 12)
	assert.NotNil(t, stored.CompletedAt)

	a, ok := h.repo.article(job.ID)
	require.True(t, ok)
	assert.Equal(t, 1400, a.WordCount)
	assert.Equal(t, 7, a.ReadingMinutes)
	assert.Contains(t, a.Files, domain.FormatMarkdown)
	assert.Contains(t, a.Files, domain.FormatPDF)

	assert.Equal(t, 1, h.repo.usage(h.user.ID))
	assert.Equal(t, []int64{job.ID}, h.notifier.ready)
	assert.Equal(t, []string{
		"pending->researching",
		"researching->generating",
		"generating->completed",
	}, h.repo.transitions)
}

func TestOrchestrator_Run_Idempotent(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.newJob(t)

	for i := 0; i < 3; i++ {
		out, err := h.orch.Run(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, out.Status)
	}
	h.orch.Wait()

	assert.Equal(t, 1, h.repo.usage(h.user.ID))
	assert.Equal(t, 1, h.research.count())
	assert.Equal(t, 1, h.draft.count())
	assert.Len(t, h.notifier.ready, 1)
}

func TestOrchestrator_Run_ResearchFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.research.errs = []error{errors.New("search backend unreachable")}
	job := h.newJob(t)

	out, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Contains(t, out.Reason, "Research failed")

	stored := h.repo.job(job.ID)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Nil(t, stored.Research)
	assert.NotEmpty(t, stored.Error)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, 0, h.repo.usage(h.user.ID))
	assert.Equal(t, 0, h.draft.count())
	assert.Len(t, h.notifier.failed, 1)
}

func TestOrchestrator_Run_DraftFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.draft.err = errors.New("model overloaded")
	job := h.newJob(t)

	out, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Contains(t, out.Reason, "Draft generation failed")

	stored := h.repo.job(job.ID)
	assert.NotNil(t, stored.Research, "research output survives a draft failure")
	assert.Equal(t, 0, h.repo.usage(h.user.ID))
	_, ok := h.repo.article(job.ID)
	assert.False(t, ok)
	assert.Equal(t, []string{
		"pending->researching",
		"researching->generating",
		"generating->failed",
	}, h.repo.transitions)
}

func TestOrchestrator_Run_TransientErrorsRetried(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3})
	h.research.errs = []error{
		domain.Transient(errors.New("429")),
		domain.Transient(errors.New("503")),
	}
	job := h.newJob(t)

	out, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, out.Status)
	assert.Equal(t, 3, h.research.count())
}

func TestOrchestrator_Run_NonTransientNotRetried(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3})
	h.research.errs = []error{errors.New("bad request")}
	job := h.newJob(t)

	out, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Equal(t, 1, h.research.count())
}

func TestOrchestrator_Run_Timeout(t *testing.T) {
	h := newHarness(t, Config{ResearchTimeout: 20 * time.Millisecond})
	h.research.block = true
	job := h.newJob(t)

	out, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Contains(t, out.Reason, "timed out after 20ms")
}

func TestOrchestrator_Run_SecondaryRenderFailure(t *testing.T) {
	h := newHarness(t, Config{Formats: []domain.Format{domain.FormatMarkdown, domain.FormatPDF}})
	h.store.fail[domain.FormatPDF] = errors.New("font missing")
	job := h.newJob(t)

	out, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, out.Status)
	assert.Equal(t, []domain.Format{domain.FormatPDF}, out.MissingFormats)

	a, ok := h.repo.article(job.ID)
	require.True(t, ok)
	assert.Contains(t, a.Files, domain.FormatMarkdown)
	assert.NotContains(t, a.Files, domain.FormatPDF)
	assert.Equal(t, 1, h.repo.usage(h.user.ID))
}

func TestOrchestrator_Run_PrimaryRenderFailure(t *testing.T) {
	h := newHarness(t, Config{Formats: []domain.Format{domain.FormatMarkdown, domain.FormatPDF}})
	h.store.fail[domain.FormatMarkdown] = errors.New("disk full")
	job := h.newJob(t)

	out, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Contains(t, out.Reason, "Saving the article failed")
	assert.Equal(t, 0, h.repo.usage(h.user.ID))

	_, ok := h.repo.article(job.ID)
	assert.False(t, ok, "failed job keeps no article")
	assert.Contains(t, h.store.deleted, fmt.Sprintf("user_%d/%d_article.pdf", h.user.ID, job.ID))
}

// runDuringRender makes the next render of the harness first run the same
// job to completion, then fail format f for the interrupted run.
func runDuringRender(t *testing.T, h *harness, jobID int64, f domain.Format) *Outcome {
	t.Helper()
	other := &Outcome{}
	h.store.beforeSave = func() {
		out, err := h.orch.Run(context.Background(), jobID)
		require.NoError(t, err)
		*other = out
		h.store.setFail(f, errors.New("disk full"))
	}
	return other
}

func TestOrchestrator_Run_DuplicateRunKeepsWinnerFiles(t *testing.T) {
	tests := []struct {
		name   string
		failed domain.Format
	}{
		{"primary fails in late run", domain.FormatMarkdown},
		{"secondary fails in late run", domain.FormatPDF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{Formats: []domain.Format{domain.FormatMarkdown, domain.FormatPDF}})
			job := h.newJob(t)
			other := runDuringRender(t, h, job.ID, tt.failed)

			out, err := h.orch.Run(context.Background(), job.ID)
			require.NoError(t, err)
			h.orch.Wait()

			assert.Equal(t, domain.StatusCompleted, other.Status)
			assert.Equal(t, domain.StatusCompleted, out.Status)
			assert.Empty(t, out.MissingFormats)
			assert.Equal(t, domain.StatusCompleted, h.repo.job(job.ID).Status)

			a, ok := h.repo.article(job.ID)
			require.True(t, ok)
			assert.Equal(t, map[domain.Format]string{
				domain.FormatMarkdown: fmt.Sprintf("user_%d/%d_article.md", h.user.ID, job.ID),
				domain.FormatPDF:      fmt.Sprintf("user_%d/%d_article.pdf", h.user.ID, job.ID),
			}, a.Files)
			assert.Empty(t, a.MissingFormats)
			assert.Empty(t, h.store.deletedRefs())

			assert.Equal(t, 1, h.repo.usage(h.user.ID))
			assert.Equal(t, 1, h.draft.count())
			assert.Len(t, h.notifier.ready, 1)
			assert.Empty(t, h.notifier.failed)
		})
	}
}

func TestOrchestrator_Run_ResumesFromResearch(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.newJob(t)
	h.repo.jobs[job.ID].Status = domain.StatusResearching
	h.repo.jobs[job.ID].Research = ghanaResearch()

	out, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, out.Status)
	assert.Equal(t, 0, h.research.count())
	assert.Equal(t, 1, h.draft.count())
}

func TestOrchestrator_Run_ResumesFromArticle(t *testing.T) {
	h := newHarness(t, Config{Formats: []domain.Format{domain.FormatMarkdown, domain.FormatPDF}})
	job := h.newJob(t)
	h.repo.jobs[job.ID].Status = domain.StatusGenerating
	h.repo.jobs[job.ID].Research = ghanaResearch()
	_, err := h.repo.CreateArticle(context.Background(), &domain.Article{
		JobID:  job.ID,
		UserID: h.user.ID,
		Title:  "Saved",
		Body:   "already drafted",
		Files:  map[domain.Format]string{domain.FormatMarkdown: "user_1/2_saved.md"},
	})
	require.NoError(t, err)

	out, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, out.Status)
	assert.Equal(t, 0, h.draft.count())
	assert.Equal(t, 1, h.store.calls)
	a, _ := h.repo.article(job.ID)
	assert.Equal(t, "user_1/2_saved.md", a.Files[domain.FormatMarkdown])
	assert.Contains(t, a.Files, domain.FormatPDF)
	assert.Equal(t, 1, h.repo.usage(h.user.ID))
}

func TestOrchestrator_Run_Panic(t *testing.T) {
	h := newHarness(t, Config{})
	h.research.panic = true
	job := h.newJob(t)

	out, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Contains(t, out.Reason, "research exploded")
	assert.Equal(t, domain.StatusFailed, h.repo.job(job.ID).Status)
}

func TestOrchestrator_Run_NotifierFailureIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.notifier.err = errors.New("smtp down")
	job := h.newJob(t)

	out, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, domain.StatusCompleted, out.Status)
	assert.Equal(t, 1, h.repo.usage(h.user.ID))
}

func TestOrchestrator_Run_Interrupted(t *testing.T) {
	h := newHarness(t, Config{})
	h.research.block = true
	job := h.newJob(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	out, err := h.orch.Run(ctx, job.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.StatusResearching, out.Status)
	assert.Equal(t, domain.StatusResearching, h.repo.job(job.ID).Status, "interrupted job stays resumable")
}

func TestOrchestrator_Run_CompletionStoreError(t *testing.T) {
	h := newHarness(t, Config{})
	h.repo.completeErr = errors.New("database is locked")
	job := h.newJob(t)

	out, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Equal(t, 0, h.repo.usage(h.user.ID))
}

func TestOrchestrator_Run_FailureNotRecorded(t *testing.T) {
	h := newHarness(t, Config{})
	h.draft.err = errors.New("model overloaded")
	h.repo.failErr = errors.New("disk I/O error")
	job := h.newJob(t)

	_, err := h.orch.Run(context.Background(), job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record failure")
}

func TestOrchestrator_Run_TerminalJob(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.newJob(t)
	h.repo.jobs[job.ID].Status = domain.StatusFailed
	h.repo.jobs[job.ID].Error = "Research failed: boom"

	out, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Equal(t, "Research failed: boom", out.Reason)
	assert.Equal(t, 0, h.research.count())
}

func TestOrchestrator_Abandon(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.newJob(t)

	out, err := h.orch.Abandon(context.Background(), job.ID, errors.New("delivery attempts exhausted"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Equal(t, "Internal error: delivery attempts exhausted", out.Reason)
}

func TestOrchestrator_Run_UnknownJob(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.orch.Run(context.Background(), 999)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestReason(t *testing.T) {
	long := strings.Repeat("x", 1000)
	assert.Len(t, Reason(errors.New(long)), maxReasonLen)

	accented := Reason(errors.New(strings.Repeat("é", 300)))
	assert.True(t, utf8.ValidString(accented), "%q", accented[len(accented)-8:])
	assert.LessOrEqual(t, len(accented), maxReasonLen)
	assert.True(t, strings.HasSuffix(accented, "é..."))
	assert.Equal(t, "", Reason(nil))
	assert.Equal(t, "Research failed: timed out",
		Reason(domain.NewStageError(domain.StageResearch, context.DeadlineExceeded)))
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	for attempt := 1; attempt <= 10; attempt++ {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), Backoff{}.Delay(3))
}
