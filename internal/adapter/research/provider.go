// Package research gathers trending topics and keywords for a sector and
// location by scraping an HTML search endpoint.
package research

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cwygoda/scout/internal/domain"
)

const (
	maxTopics   = 5
	maxKeywords = 20
	// offlineRelevance is the score of a topic derived from a query alone.
	offlineRelevance = 90
)

// Config configures a Provider.
type Config struct {
	// SearchURL is queried with ?q=<query>. Empty disables network access.
	SearchURL         string
	ResultSelector    string
	RequestsPerSecond float64
	MaxResults        int
	UserAgent         string
}

// Provider implements domain.ResearchProvider.
type Provider struct {
	client     *http.Client
	searchURL  string
	selector   string
	maxResults int
	userAgent  string
	limiter    *rate.Limiter
	log        *zap.Logger
	now        func() time.Time
}

// New creates a Provider. client may be nil.
func New(cfg Config, client *http.Client, log *zap.Logger) *Provider {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ResultSelector == "" {
		cfg.ResultSelector = "a.result__a"
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "scout/1.0"
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Provider{
		client:     client,
		searchURL:  cfg.SearchURL,
		selector:   cfg.ResultSelector,
		maxResults: cfg.MaxResults,
		userAgent:  cfg.UserAgent,
		limiter:    rate.NewLimiter(limit, 1),
		log:        log,
		now:        time.Now,
	}
}

// Research runs every query for q and ranks what it finds. A failing query
// is skipped; the call fails only when every query failed.
func (p *Provider) Research(ctx context.Context, q domain.ResearchQuery) (*domain.ResearchOutput, error) {
	queries := BuildQueries(q.Sector, q.Location, q.Keywords, p.now().Year())

	var (
		topics   []domain.Topic
		keywords []string
		failed   int
		lastErr  error
	)
	for _, query := range queries {
		found, err := p.search(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.log.Warn("search failed", zap.String("query", query), zap.Error(err))
			failed++
			lastErr = err
			continue
		}
		topics = append(topics, found...)
		keywords = append(keywords, ExtractKeywords(query)...)
		for _, t := range found {
			keywords = append(keywords, ExtractKeywords(t.Title)...)
		}
	}
	if failed == len(queries) {
		return nil, fmt.Errorf("all %d searches failed: %w", failed, lastErr)
	}

	return &domain.ResearchOutput{
		Topics:   TopTopics(topics, maxTopics),
		Keywords: RankKeywords(keywords, q.Sector, q.Location, maxKeywords),
		Queries:  queries,
	}, nil
}

func (p *Provider) search(ctx context.Context, query string) ([]domain.Topic, error) {
	if p.searchURL == "" {
		return []domain.Topic{{Title: "Latest trends in " + query, Relevance: offlineRelevance}}, nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	doc, err := p.fetchDocument(ctx, query)
	if err != nil {
		return nil, err
	}

	var topics []domain.Topic
	seen := map[string]struct{}{}
	doc.Find(p.selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		title := strings.Join(strings.Fields(s.Text()), " ")
		if title == "" {
			return true
		}
		key := strings.ToLower(title)
		if _, ok := seen[key]; ok {
			return true
		}
		seen[key] = struct{}{}
		// Earlier results rank higher.
		topics = append(topics, domain.Topic{Title: title, Relevance: 100 - len(topics)*100/p.maxResults})
		return len(topics) < p.maxResults
	})
	return topics, nil
}

func (p *Provider) fetchDocument(ctx context.Context, query string) (*goquery.Document, error) {
	u, err := url.Parse(p.searchURL)
	if err != nil {
		return nil, fmt.Errorf("invalid search url: %w", err)
	}
	params := u.Query()
	params.Set("q", query)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.Transient(fmt.Errorf("request search: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("search returned %s", resp.Status)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, domain.Transient(err)
		}
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

// BuildQueries returns the five base queries for sector and location plus
// one per extra keyword.
func BuildQueries(sector, location string, keywords []string, year int) []string {
	queries := []string{
		fmt.Sprintf("%s trends %s %d", sector, location, year),
		fmt.Sprintf("latest %s news %s", sector, location),
		fmt.Sprintf("%s market %s", sector, location),
		fmt.Sprintf("popular %s topics %s", sector, location),
		fmt.Sprintf("%s insights %s", sector, location),
	}
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			queries = append(queries, fmt.Sprintf("%s %s %s", k, sector, location))
		}
	}
	return queries
}

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "in": {}, "on": {}, "at": {}, "for": {},
	"to": {}, "of": {}, "and": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "been": {}, "being": {}, "with": {}, "from": {}, "that": {},
	"this": {}, "your": {}, "what": {}, "about": {},
}

// ExtractKeywords lowercases text and keeps words longer than three
// characters that are neither stop words nor numbers.
func ExtractKeywords(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isWordRune(r)
	})
	var out []string
	for _, w := range words {
		if len([]rune(w)) <= 3 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, err := strconv.Atoi(w); err == nil {
			continue
		}
		out = append(out, w)
	}
	return out
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// RankKeywords deduplicates keywords and orders them by score: longer than
// eight characters +2, containing the sector +3, containing the location
// +2. Ties keep first-seen order.
func RankKeywords(keywords []string, sector, location string, limit int) []string {
	sector = strings.ToLower(sector)
	location = strings.ToLower(location)

	type scored struct {
		word  string
		score int
	}
	var ranked []scored
	seen := map[string]struct{}{}
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}

		score := 0
		if len(k) > 8 {
			score += 2
		}
		if sector != "" && strings.Contains(k, sector) {
			score += 3
		}
		if location != "" && strings.Contains(k, location) {
			score += 2
		}
		ranked = append(ranked, scored{k, score})
	}
	slices.SortStableFunc(ranked, func(a, b scored) int { return cmp.Compare(b.score, a.score) })

	out := make([]string, 0, min(limit, len(ranked)))
	for _, s := range ranked {
		if len(out) == limit {
			break
		}
		out = append(out, s.word)
	}
	return out
}

// TopTopics returns up to limit topics by descending relevance, dropping
// repeated titles.
func TopTopics(topics []domain.Topic, limit int) []domain.Topic {
	seen := map[string]struct{}{}
	var unique []domain.Topic
	for _, t := range topics {
		key := strings.ToLower(t.Title)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, t)
	}
	slices.SortStableFunc(unique, func(a, b domain.Topic) int { return cmp.Compare(b.Relevance, a.Relevance) })
	if len(unique) > limit {
		unique = unique[:limit]
	}
	return unique
}
