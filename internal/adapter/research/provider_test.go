package research

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/scout/internal/domain"
)

func TestBuildQueries(t *testing.T) {
	t.Parallel()

	queries := BuildQueries("Real Estate", "Ghana", []string{"mortgage", " ", "land title"}, 2026)
	assert.Equal(t, []string{
		"Real Estate trends Ghana 2026",
		"latest Real Estate news Ghana",
		"Real Estate market Ghana",
		"popular Real Estate topics Ghana",
		"Real Estate insights Ghana",
		"mortgage Real Estate Ghana",
		"land title Real Estate Ghana",
	}, queries)
}

func TestExtractKeywords(t *testing.T) {
	t.Parallel()

	got := ExtractKeywords("The latest Real-Estate trends in Ghana 2026, for investors!")
	assert.Equal(t, []string{"latest", "real", "estate", "trends", "ghana", "investors"}, got)
}

func TestRankKeywords(t *testing.T) {
	t.Parallel()

	keywords := []string{"market", "ghanaian", "fintech", "fintechhub", "market", "accra", "ghana"}
	got := RankKeywords(keywords, "Fintech", "Ghana", 20)

	// fintechhub: long(2)+sector(3)=5, fintech: 3, ghanaian/ghana: 2, rest 0.
	assert.Equal(t, []string{"fintechhub", "fintech", "ghanaian", "ghana", "market", "accra"}, got)

	assert.Len(t, RankKeywords(keywords, "Fintech", "Ghana", 2), 2)
	assert.Empty(t, RankKeywords(nil, "x", "y", 5))
}

func TestTopTopics(t *testing.T) {
	t.Parallel()

	topics := []domain.Topic{
		{Title: "a", Relevance: 10},
		{Title: "b", Relevance: 90},
		{Title: "B", Relevance: 80},
		{Title: "c", Relevance: 50},
	}
	got := TopTopics(topics, 2)
	assert.Equal(t, []domain.Topic{{Title: "b", Relevance: 90}, {Title: "c", Relevance: 50}}, got)
}

func TestResearch_Offline(t *testing.T) {
	t.Parallel()

	p := New(Config{}, nil, nil)
	p.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

	out, err := p.Research(context.Background(), domain.ResearchQuery{
		Sector:   "Real Estate",
		Location: "Ghana",
		Keywords: []string{"mortgage"},
	})
	require.NoError(t, err)

	assert.Len(t, out.Queries, 6)
	assert.Len(t, out.Topics, 5)
	assert.Equal(t, "Latest trends in Real Estate trends Ghana 2026", out.Topics[0].Title)
	assert.Contains(t, out.Keywords, "mortgage")
	assert.Contains(t, out.Keywords, "ghana")
	assert.NotContains(t, out.Keywords, "2026")
	assert.LessOrEqual(t, len(out.Keywords), 20)
}

const resultsPage = `<html><body>
<div class="result"><a class="result__a" href="https://a.example">Accra housing prices climb</a></div>
<div class="result"><a class="result__a" href="https://b.example">  Mortgage   rates in Ghana </a></div>
<div class="result"><a class="result__a" href="https://c.example">Accra housing prices climb</a></div>
<div class="result"><a class="other" href="https://d.example">Sponsored</a></div>
</body></html>`

func TestResearch_ScrapesResults(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.NotEmpty(t, r.URL.Query().Get("q"))
		assert.Equal(t, "scout-test", r.Header.Get("User-Agent"))
		fmt.Fprint(w, resultsPage)
	}))
	defer srv.Close()

	p := New(Config{SearchURL: srv.URL, UserAgent: "scout-test"}, srv.Client(), nil)
	out, err := p.Research(context.Background(), domain.ResearchQuery{Sector: "Real Estate", Location: "Ghana"})
	require.NoError(t, err)

	assert.Equal(t, int32(5), requests.Load())
	require.Len(t, out.Topics, 2)
	assert.Equal(t, "Accra housing prices climb", out.Topics[0].Title)
	assert.Equal(t, "Mortgage rates in Ghana", out.Topics[1].Title)
	assert.Contains(t, out.Keywords, "accra")
	assert.Contains(t, out.Keywords, "mortgage")
	assert.NotContains(t, out.Keywords, "sponsored")
}

func TestResearch_PartialFailureIsTolerated(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, resultsPage)
	}))
	defer srv.Close()

	p := New(Config{SearchURL: srv.URL}, srv.Client(), nil)
	out, err := p.Research(context.Background(), domain.ResearchQuery{Sector: "Tech", Location: "Kenya"})
	require.NoError(t, err)
	assert.NotEmpty(t, out.Topics)
}

func TestResearch_AllFailed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"throttled", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"forbidden", http.StatusForbidden, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := New(Config{SearchURL: srv.URL}, srv.Client(), nil)
			_, err := p.Research(context.Background(), domain.ResearchQuery{Sector: "Tech", Location: "Kenya"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "all 5 searches failed")
			assert.Equal(t, tt.transient, domain.IsTransient(err))
		})
	}
}

func TestResearch_Cancelled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	p := New(Config{SearchURL: srv.URL}, srv.Client(), nil)
	_, err := p.Research(ctx, domain.ResearchQuery{Sector: "Tech", Location: "Kenya"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
