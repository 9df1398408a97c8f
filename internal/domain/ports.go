package domain

import (
	"context"
	"errors"
	"io"
)

// JobRepository is the driven port for job persistence. Every status change
// is a compare-and-set on the current status.
type JobRepository interface {
	Create(ctx context.Context, userID int64, req Request) (*Job, error)
	Get(ctx context.Context, id int64) (*Job, error)
	List(ctx context.Context, filter JobFilter) ([]Job, int, error)
	// Transition moves a job from one status to the next. It returns
	// ErrInvalidTransition when the job is not currently in from.
	Transition(ctx context.Context, id int64, from, to JobStatus) error
	SaveResearch(ctx context.Context, id int64, out *ResearchOutput) error
	// Complete moves a generating job to completed and increments the
	// owner's usage counter in the same transaction. applied is false when
	// the job was not generating, in which case nothing changes.
	Complete(ctx context.Context, id int64) (applied bool, err error)
	// Fail moves a non-terminal job to failed with reason.
	Fail(ctx context.Context, id int64, reason string) (applied bool, err error)
	// Delete removes a terminal job together with its article row.
	// Non-terminal jobs are rejected with ErrJobInProgress.
	Delete(ctx context.Context, id int64) error
}

// ArticleRepository is the driven port for article persistence.
type ArticleRepository interface {
	// CreateArticle stores the article for a job. A second call for the same
	// job returns the existing row.
	CreateArticle(ctx context.Context, a *Article) (*Article, error)
	GetArticleByJob(ctx context.Context, jobID int64) (*Article, error)
	// AttachFiles records rendered files while the owning job is generating,
	// and returns ErrInvalidTransition once the job is terminal.
	AttachFiles(ctx context.Context, id int64, files map[Format]string, missing []Format) error
	DeleteArticle(ctx context.Context, id int64) error
	ListFileRefs(ctx context.Context) ([]string, error)
}

// UserRepository is the driven port for users and their usage counters.
type UserRepository interface {
	CreateUser(ctx context.Context, u NewUser, provider PaymentProvider) (*User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	SetTier(ctx context.Context, id int64, tier Tier) error
	// ResetUsage zeroes every counter whose period differs from period.
	ResetUsage(ctx context.Context, period string) (int64, error)
}

// ResearchQuery is the input of the research stage.
type ResearchQuery struct {
	Sector   string
	Location string
	Keywords []string
}

// ResearchProvider gathers topics and keywords for a sector and location.
type ResearchProvider interface {
	Research(ctx context.Context, q ResearchQuery) (*ResearchOutput, error)
}

// DraftRequest is the input of the generation stage.
type DraftRequest struct {
	Sector   string
	Location string
	Research *ResearchOutput
	Style    Style
}

// DraftProvider produces article drafts.
type DraftProvider interface {
	Generate(ctx context.Context, req DraftRequest) (*Draft, error)
}

// SaveRequest asks the artifact store to render an article.
type SaveRequest struct {
	Article *Article
	Formats []Format
}

// SaveResult reports each format independently.
type SaveResult struct {
	Files  map[Format]string
	Errors map[Format]error
}

// ArtifactStore renders articles to durable files.
type ArtifactStore interface {
	Save(ctx context.Context, req SaveRequest) SaveResult
	// Delete removes every ref it can and returns the joined failures.
	Delete(ctx context.Context, refs []string) error
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Notifier informs users of job outcomes. Delivery is best-effort.
type Notifier interface {
	NotifyReady(ctx context.Context, u *User, job *Job, a *Article) error
	NotifyFailed(ctx context.Context, u *User, job *Job, reason string) error
}

// Dispatcher hands a job to exactly one worker at a time, at least once.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobID int64) (token string, err error)
}

// Delivery is one leased hand-off of a job to a worker.
type Delivery struct {
	JobID    int64
	Token    string
	Attempt  int
	LeasedBy string
}

// ErrLeaseLost is returned when a delivery is no longer held by the caller.
var ErrLeaseLost = errors.New("lease lost")
