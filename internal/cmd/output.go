package cmd

import (
	"encoding/json"
	"io"
	"time"

	"github.com/cwygoda/scout/internal/domain"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type jobView struct {
	ID          int64                  `json:"id"`
	UserID      int64                  `json:"user_id"`
	Status      domain.JobStatus       `json:"status"`
	Sector      string                 `json:"sector"`
	Location    string                 `json:"location"`
	Keywords    []string               `json:"keywords,omitempty"`
	Style       domain.Style           `json:"style"`
	Research    *domain.ResearchOutput `json:"research,omitempty"`
	Error       string                 `json:"error_message,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

func viewJob(j *domain.Job) jobView {
	return jobView{
		ID:          j.ID,
		UserID:      j.UserID,
		Status:      j.Status,
		Sector:      j.Request.Sector,
		Location:    j.Request.Location,
		Keywords:    j.Request.Keywords,
		Style:       j.Request.Style,
		Research:    j.Research,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
}

type userView struct {
	ID              int64                  `json:"id"`
	Email           string                 `json:"email"`
	Name            string                 `json:"name,omitempty"`
	Country         string                 `json:"country,omitempty"`
	Tier            domain.Tier            `json:"tier"`
	PaymentProvider domain.PaymentProvider `json:"payment_provider"`
}

func viewUser(u *domain.User) userView {
	return userView{
		ID:              u.ID,
		Email:           u.Email,
		Name:            u.Name,
		Country:         u.Country,
		Tier:            u.Tier,
		PaymentProvider: u.PaymentProvider,
	}
}

type usageView struct {
	User      userView      `json:"user"`
	Used      int           `json:"used"`
	Limit     string        `json:"limit"`
	Remaining int           `json:"remaining"`
	Provider  string        `json:"payment_provider"`
	Plans     []domain.Plan `json:"plans"`
}

type articleView struct {
	ID             int64                    `json:"id"`
	Title          string                   `json:"title"`
	Summary        string                   `json:"summary,omitempty"`
	Keywords       string                   `json:"keywords,omitempty"`
	WordCount      int                      `json:"word_count"`
	ReadingMinutes int                      `json:"reading_time_minutes"`
	Files          map[domain.Format]string `json:"files"`
	MissingFormats []domain.Format          `json:"missing_formats,omitempty"`
}

func viewArticle(a *domain.Article) *articleView {
	return &articleView{
		ID:             a.ID,
		Title:          a.Title,
		Summary:        a.Summary,
		Keywords:       a.KeywordDigest,
		WordCount:      a.WordCount,
		ReadingMinutes: a.ReadingMinutes,
		Files:          a.Files,
		MissingFormats: a.MissingFormats,
	}
}
