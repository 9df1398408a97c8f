package domain

import (
	"math"
	"strings"
	"time"
)

// Format is a rendered file form of an article.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatPDF      Format = "pdf"
	FormatHTML     Format = "html"
)

// Extension returns the file extension for the format.
func (f Format) Extension() string {
	switch f {
	case FormatMarkdown:
		return "md"
	case FormatPDF:
		return "pdf"
	case FormatHTML:
		return "html"
	}
	return string(f)
}

// ParseFormat maps a name or extension to a Format.
func ParseFormat(s string) (Format, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "markdown", "md":
		return FormatMarkdown, true
	case "pdf":
		return FormatPDF, true
	case "html", "htm":
		return FormatHTML, true
	}
	return "", false
}

// WordsPerMinute is the reading speed used for ReadingMinutes.
const WordsPerMinute = 200

// Draft is the output of the draft provider.
type Draft struct {
	Title   string
	Summary string
	Body    string
}

// WordCount counts whitespace separated words in the body.
func (d *Draft) WordCount() int {
	return len(strings.Fields(d.Body))
}

// Article is the durable result of a completed job.
type Article struct {
	ID             int64
	JobID          int64
	UserID         int64
	Title          string
	Body           string
	Summary        string
	KeywordDigest  string
	WordCount      int
	ReadingMinutes int
	Files          map[Format]string
	MissingFormats []Format
	CreatedAt      time.Time
}

// NewArticle builds the article row for a job from its draft.
func NewArticle(job *Job, draft *Draft) *Article {
	words := draft.WordCount()
	var keywords []string
	if job.Research != nil {
		keywords = job.Research.Keywords
	}
	return &Article{
		JobID:          job.ID,
		UserID:         job.UserID,
		Title:          draft.Title,
		Body:           draft.Body,
		Summary:        draft.Summary,
		KeywordDigest:  KeywordDigest(keywords),
		WordCount:      words,
		ReadingMinutes: ReadingMinutes(words),
	}
}

// Refs returns every file reference of the article.
func (a *Article) Refs() []string {
	refs := make([]string, 0, len(a.Files))
	for _, f := range []Format{FormatMarkdown, FormatPDF, FormatHTML} {
		if ref, ok := a.Files[f]; ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

// ReadingMinutes rounds words/200 to the nearest minute, at least 1.
func ReadingMinutes(words int) int {
	m := int(math.Round(float64(words) / WordsPerMinute))
	if m < 1 {
		return 1
	}
	return m
}

// KeywordDigest joins the first ten ranked keywords.
func KeywordDigest(keywords []string) string {
	if len(keywords) > 10 {
		keywords = keywords[:10]
	}
	return strings.Join(keywords, ", ")
}
