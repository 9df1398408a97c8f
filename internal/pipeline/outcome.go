package pipeline

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/cwygoda/scout/internal/domain"
)

// Outcome is the terminal result of a run.
type Outcome struct {
	JobID          int64            `json:"job_id"`
	Status         domain.JobStatus `json:"status"`
	ArticleID      int64            `json:"article_id,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	MissingFormats []domain.Format  `json:"missing_formats,omitempty"`
}

// Completed reports whether the job finished successfully.
func (o Outcome) Completed() bool {
	return o.Status == domain.StatusCompleted
}

const maxReasonLen = 500

// Reason turns a pipeline error into the message stored on a failed job.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var msg string
	var se *domain.StageError
	if errors.As(err, &se) {
		switch se.Stage {
		case domain.StageResearch:
			msg = "Research failed: " + detail(se.Err)
		case domain.StageGeneration:
			msg = "Draft generation failed: " + detail(se.Err)
		case domain.StagePersistence:
			msg = "Saving the article failed: " + detail(se.Err)
		default:
			msg = fmt.Sprintf("%s failed: %s", se.Stage, detail(se.Err))
		}
	} else {
		msg = "Internal error: " + detail(err)
	}
	if len(msg) > maxReasonLen {
		cut := maxReasonLen - 3
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	return msg
}

func detail(err error) string {
	if err == context.DeadlineExceeded {
		return "timed out"
	}
	return err.Error()
}
