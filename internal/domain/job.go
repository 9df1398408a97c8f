package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the processing state of a job.
type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusResearching JobStatus = "researching"
	StatusGenerating  JobStatus = "generating"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
)

// transitions lists the allowed forward edges. Failed is reachable from
// every non-terminal state.
var transitions = map[JobStatus][]JobStatus{
	StatusPending:     {StatusResearching, StatusFailed},
	StatusResearching: {StatusGenerating, StatusFailed},
	StatusGenerating:  {StatusCompleted, StatusFailed},
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusResearching, StatusGenerating, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal returns true for completed and failed.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Style holds the optional writing knobs of a request.
type Style struct {
	Tone               string   `json:"tone,omitempty"`
	WritingStyle       string   `json:"writing_style,omitempty"`
	TargetAudience     string   `json:"target_audience,omitempty"`
	ContentDepth       string   `json:"content_depth,omitempty"`
	SEOFocus           string   `json:"seo_focus,omitempty"`
	TargetWordCount    string   `json:"target_word_count,omitempty"`
	CustomTitle        string   `json:"custom_title,omitempty"`
	IncludeSections    []string `json:"include_sections,omitempty"`
	CustomInstructions string   `json:"custom_instructions,omitempty"`
}

const (
	DefaultTone         = "professional"
	DefaultContentDepth = "moderate"
	DefaultSEOFocus     = "medium"
)

var (
	validTones  = []string{"professional", "casual", "technical"}
	validDepths = []string{"overview", "moderate", "comprehensive"}
	validSEO    = []string{"low", "medium", "high"}
)

// Request is the immutable set of parameters a job was created with.
type Request struct {
	Sector   string
	Location string
	Keywords []string
	Style    Style
}

// Normalize trims input and fills style defaults.
func (r Request) Normalize() Request {
	r.Sector = strings.TrimSpace(r.Sector)
	r.Location = strings.TrimSpace(r.Location)

	var kws []string
	for _, kw := range r.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			kws = append(kws, kw)
		}
	}
	r.Keywords = kws

	if r.Style.Tone == "" {
		r.Style.Tone = DefaultTone
	}
	if r.Style.ContentDepth == "" {
		r.Style.ContentDepth = DefaultContentDepth
	}
	if r.Style.SEOFocus == "" {
		r.Style.SEOFocus = DefaultSEOFocus
	}
	return r
}

// Validate checks a normalized request.
func (r Request) Validate() error {
	if r.Sector == "" {
		return fmt.Errorf("%w: sector is required", ErrInvalidRequest)
	}
	if r.Location == "" {
		return fmt.Errorf("%w: location is required", ErrInvalidRequest)
	}
	if !oneOf(r.Style.Tone, validTones) {
		return fmt.Errorf("%w: tone must be one of %s", ErrInvalidRequest, strings.Join(validTones, ", "))
	}
	if !oneOf(r.Style.ContentDepth, validDepths) {
		return fmt.Errorf("%w: content_depth must be one of %s", ErrInvalidRequest, strings.Join(validDepths, ", "))
	}
	if !oneOf(r.Style.SEOFocus, validSEO) {
		return fmt.Errorf("%w: seo_focus must be one of %s", ErrInvalidRequest, strings.Join(validSEO, ", "))
	}
	return nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Topic is a ranked research finding.
type Topic struct {
	Title     string `json:"title"`
	Relevance int    `json:"relevance"`
}

// ResearchOutput is the persisted result of the research stage.
type ResearchOutput struct {
	Topics   []Topic  `json:"topics"`
	Keywords []string `json:"keywords"`
	Queries  []string `json:"queries,omitempty"`
}

// Job is one request to research and draft an article.
type Job struct {
	ID            int64
	UserID        int64
	Request       Request
	Status        JobStatus
	Research      *ResearchOutput
	Error         string
	DispatchToken string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// JobFilter narrows a job listing.
type JobFilter struct {
	UserID   int64
	Status   JobStatus
	Page     int
	PageSize int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize clamps paging values.
func (f JobFilter) Normalize() JobFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

// Offset returns the row offset of the page.
func (f JobFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}
