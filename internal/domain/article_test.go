package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadingMinutes(t *testing.T) {
	tests := []struct {
		words int
		want  int
	}{
		{0, 1},
		{50, 1},
		{299, 1},
		{300, 2},
		{1400, 7},
		{1500, 8},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.words), func(t *testing.T) {
			assert.Equal(t, tt.want, ReadingMinutes(tt.words))
		})
	}
}

func TestNewArticle(t *testing.T) {
	keywords := make([]string, 12)
	for i := range keywords {
		keywords[i] = fmt.Sprintf("kw%d", i)
	}
	job := &Job{ID: 4, UserID: 9, Research: &ResearchOutput{Keywords: keywords}}
	draft := &Draft{Title: "Ghana Housing", Summary: "s", Body: strings.Repeat("word ", 1400)}

	a := NewArticle(job, draft)
	assert.Equal(t, int64(4), a.JobID)
	assert.Equal(t, int64(9), a.UserID)
	assert.Equal(t, 1400, a.WordCount)
	assert.Equal(t, 7, a.ReadingMinutes)
	assert.Equal(t, "kw0, kw1, kw2, kw3, kw4, kw5, kw6, kw7, kw8, kw9", a.KeywordDigest)
}

func TestArticle_Refs(t *testing.T) {
	a := &Article{Files: map[Format]string{
		FormatPDF:      "user_1/2_x.pdf",
		FormatMarkdown: "user_1/2_x.md",
	}}
	assert.Equal(t, []string{"user_1/2_x.md", "user_1/2_x.pdf"}, a.Refs())
}

func TestParseFormat(t *testing.T) {
	f, ok := ParseFormat("MD")
	assert.True(t, ok)
	assert.Equal(t, FormatMarkdown, f)
	assert.Equal(t, "md", f.Extension())

	_, ok = ParseFormat("docx")
	assert.False(t, ok)
}

func TestStageError(t *testing.T) {
	base := errors.New("search backend down")
	err := NewStageError(StageResearch, base)

	var se *StageError
	assert.True(t, errors.As(err, &se))
	assert.True(t, se.Fatal())
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "research stage: search backend down", err.Error())

	// Re-wrapping with the same stage is a no-op.
	assert.Same(t, err, NewStageError(StageResearch, err))
	assert.Nil(t, NewStageError(StageRender, nil))

	assert.False(t, (&StageError{Stage: StageRender, Err: base}).Fatal())
	assert.False(t, (&StageError{Stage: StageNotification, Err: base}).Fatal())
}

func TestTransient(t *testing.T) {
	base := errors.New("503")
	err := fmt.Errorf("call: %w", Transient(base))
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsTransient(base))
	assert.Nil(t, Transient(nil))
}
