package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrJobNotFound       = errors.New("job not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrArticleNotFound   = errors.New("article not found")
	ErrJobInProgress     = errors.New("cannot delete a job that is in progress")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrQuotaExceeded     = errors.New("monthly article limit reached")
	ErrDuplicateUser     = errors.New("user already exists")
)

// Stage names a pipeline step for error reporting.
type Stage string

const (
	StageResearch     Stage = "research"
	StageGeneration   Stage = "generation"
	StagePersistence  Stage = "persistence"
	StageRender       Stage = "render"
	StageNotification Stage = "notification"
)

// StageError wraps a failure of one pipeline stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error must fail the job. Render and
// notification failures are recorded but never fail a job on their own.
func (e *StageError) Fatal() bool {
	return e.Stage != StageRender && e.Stage != StageNotification
}

// NewStageError wraps err for stage. A nil err stays nil.
func NewStageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) && se.Stage == stage {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// QuotaExceededError is returned when a user's tier allowance is used up.
type QuotaExceededError struct {
	Tier  Tier
	Used  int
	Limit Limit
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s: %d of %s articles used on the %s tier", ErrQuotaExceeded, e.Used, e.Limit, e.Tier)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable (network failure, throttling, 5xx).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err, or anything it wraps, was marked Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
