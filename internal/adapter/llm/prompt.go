package llm

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cwygoda/scout/internal/domain"
)

// DefaultTitle is used when the response carries no TITLE line.
const DefaultTitle = "Untitled Blog Post"

const promptKeywords = 10

var wordCountByDepth = map[string]string{
	"overview":      "800-1200",
	"moderate":      "1200-1800",
	"comprehensive": "2500-3000",
}

var seoGuidance = map[string]string{
	"low":    "Favour natural prose; use the keywords only where they fit.",
	"medium": "Work the keywords into headings and body text naturally.",
	"high":   "Use the primary keywords in the title, the first paragraph and at least two subheadings.",
}

// BuildPrompt renders the drafting instructions for req.
func BuildPrompt(req domain.DraftRequest) string {
	var topics, keywords []string
	if req.Research != nil {
		for _, t := range req.Research.Topics {
			topics = append(topics, "- "+t.Title)
		}
		keywords = req.Research.Keywords
		if len(keywords) > promptKeywords {
			keywords = keywords[:promptKeywords]
		}
	}

	style := req.Style
	tone := fallback(style.Tone, domain.DefaultTone)
	depth := fallback(style.ContentDepth, domain.DefaultContentDepth)
	length := fallback(style.TargetWordCount, wordCountByDepth[depth])

	var b strings.Builder
	fmt.Fprintf(&b, "You are a professional content writer specializing in %s. ", req.Sector)
	fmt.Fprintf(&b, "Write a comprehensive, engaging and SEO-optimized blog post about %s in %s.\n\n", req.Sector, req.Location)

	b.WriteString("**Research Findings:**\n")
	b.WriteString(strings.Join(topics, "\n"))
	b.WriteString("\n\n**Target Keywords to Include Naturally:**\n")
	b.WriteString(strings.Join(keywords, ", "))

	b.WriteString("\n\n**Writing Style:**\n")
	fmt.Fprintf(&b, "- Tone: %s\n", tone)
	if style.WritingStyle != "" {
		fmt.Fprintf(&b, "- Style: %s\n", style.WritingStyle)
	}
	if style.TargetAudience != "" {
		fmt.Fprintf(&b, "- Audience: %s\n", style.TargetAudience)
	}
	fmt.Fprintf(&b, "- Depth: %s\n", depth)
	fmt.Fprintf(&b, "- Length: %s words\n", length)
	fmt.Fprintf(&b, "- SEO: %s\n", seoGuidance[fallback(style.SEOFocus, domain.DefaultSEOFocus)])
	b.WriteString("- Use proper headings (H1, H2, H3) and short paragraphs\n")
	b.WriteString("- Include an introduction and a conclusion\n")
	if len(style.IncludeSections) > 0 {
		fmt.Fprintf(&b, "- Include these sections: %s\n", strings.Join(style.IncludeSections, ", "))
	}
	if style.CustomTitle != "" {
		fmt.Fprintf(&b, "- Use this exact title: %s\n", style.CustomTitle)
	}
	if style.CustomInstructions != "" {
		fmt.Fprintf(&b, "\n**Additional Instructions:**\n%s\n", style.CustomInstructions)
	}

	fmt.Fprintf(&b, `
**Format Requirements:**
Structure your response EXACTLY as follows:

TITLE: [Your compelling blog title here]

SUMMARY: [A 2-3 sentence summary of the blog post]

CONTENT:
[The full blog post in Markdown]

Use data and examples specific to %s. Write the blog post now:`, req.Location)
	return b.String()
}

func fallback(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

var (
	titleRe   = regexp.MustCompile(`(?i)TITLE:[ \t]*(.+)`)
	summaryRe = regexp.MustCompile(`(?is)SUMMARY:\s*(.+?)\n\s*CONTENT:`)
	contentRe = regexp.MustCompile(`(?is)CONTENT:\s*(.+)`)
)

// ParseDraft splits a TITLE/SUMMARY/CONTENT response. Without a CONTENT
// marker the whole response is the body.
func ParseDraft(text string) *domain.Draft {
	d := &domain.Draft{Title: DefaultTitle, Body: strings.TrimSpace(text)}
	if m := titleRe.FindStringSubmatch(text); m != nil {
		if t := strings.Trim(strings.TrimSpace(m[1]), "*#[] "); t != "" {
			d.Title = t
		}
	}
	if m := summaryRe.FindStringSubmatch(text); m != nil {
		d.Summary = strings.TrimSpace(m[1])
	}
	if m := contentRe.FindStringSubmatch(text); m != nil {
		d.Body = strings.TrimSpace(m[1])
	}
	return d
}
