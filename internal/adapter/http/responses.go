package http

import (
	"strconv"
	"time"

	"github.com/cwygoda/scout/internal/domain"
)

const timeFormat = "2006-01-02T15:04:05Z"

// errorResponse is the JSON error response.
type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// jobResponse is the JSON response for job endpoints.
type jobResponse struct {
	ID          int64                  `json:"id"`
	Status      string                 `json:"status"`
	Sector      string                 `json:"sector"`
	Location    string                 `json:"location"`
	Keywords    []string               `json:"keywords,omitempty"`
	Style       domain.Style           `json:"style"`
	Research    *domain.ResearchOutput `json:"research,omitempty"`
	Error       string                 `json:"error_message,omitempty"`
	CreatedAt   string                 `json:"created_at"`
	UpdatedAt   string                 `json:"updated_at"`
	StartedAt   string                 `json:"started_at,omitempty"`
	CompletedAt string                 `json:"completed_at,omitempty"`
}

type listResponse struct {
	Jobs     []jobResponse `json:"jobs"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

type articleResponse struct {
	ID             int64             `json:"id"`
	JobID          int64             `json:"job_id"`
	Title          string            `json:"title"`
	Summary        string            `json:"summary,omitempty"`
	Content        string            `json:"content"`
	Keywords       string            `json:"keywords,omitempty"`
	WordCount      int               `json:"word_count"`
	ReadingMinutes int               `json:"reading_time_minutes"`
	Files          map[string]string `json:"files"`
	MissingFormats []string          `json:"missing_formats,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

type planResponse struct {
	Tier       string `json:"tier"`
	Currency   string `json:"currency"`
	PriceMinor int64  `json:"price_minor"`
	Limit      string `json:"monthly_limit"`
}

type usageResponse struct {
	UserID    int64          `json:"user_id"`
	Tier      string         `json:"tier"`
	Used      int            `json:"used"`
	Limit     string         `json:"limit"`
	Remaining int            `json:"remaining"`
	Provider  string         `json:"payment_provider"`
	Plans     []planResponse `json:"plans"`
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func jobToResponse(job *domain.Job) jobResponse {
	return jobResponse{
		ID:          job.ID,
		Status:      string(job.Status),
		Sector:      job.Request.Sector,
		Location:    job.Request.Location,
		Keywords:    job.Request.Keywords,
		Style:       job.Request.Style,
		Research:    job.Research,
		Error:       job.Error,
		CreatedAt:   formatTime(&job.CreatedAt),
		UpdatedAt:   formatTime(&job.UpdatedAt),
		StartedAt:   formatTime(job.StartedAt),
		CompletedAt: formatTime(job.CompletedAt),
	}
}

func articleToResponse(a *domain.Article) articleResponse {
	resp := articleResponse{
		ID:             a.ID,
		JobID:          a.JobID,
		Title:          a.Title,
		Summary:        a.Summary,
		Content:        a.Body,
		Keywords:       a.KeywordDigest,
		WordCount:      a.WordCount,
		ReadingMinutes: a.ReadingMinutes,
		Files:          make(map[string]string, len(a.Files)),
		CreatedAt:      formatTime(&a.CreatedAt),
	}
	for f := range a.Files {
		resp.Files[string(f)] = "/v1/jobs/" + strconv.FormatInt(a.JobID, 10) + "/article/" + string(f)
	}
	for _, f := range a.MissingFormats {
		resp.MissingFormats = append(resp.MissingFormats, string(f))
	}
	return resp
}

func usageToResponse(r *domain.UsageReport) usageResponse {
	resp := usageResponse{
		UserID:    r.User.ID,
		Tier:      string(r.User.Tier),
		Used:      r.Used,
		Limit:     r.Limit.String(),
		Remaining: r.Remaining,
		Provider:  string(r.Provider),
	}
	for _, p := range r.Plans {
		resp.Plans = append(resp.Plans, planResponse{
			Tier:       string(p.Tier),
			Currency:   p.Currency,
			PriceMinor: p.PriceMinor,
			Limit:      p.Limit.String(),
		})
	}
	return resp
}
