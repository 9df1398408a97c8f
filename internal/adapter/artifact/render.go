package artifact

import (
	"bufio"
	"bytes"
	"fmt"
	"html/template"
	"regexp"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"gopkg.in/yaml.v3"

	"github.com/cwygoda/scout/internal/domain"
)

// Renderer turns an article into the bytes of one format.
type Renderer interface {
	Render(a *domain.Article) ([]byte, error)
	ContentType() string
}

// Renderers maps each supported format to its renderer.
type Renderers map[domain.Format]Renderer

// DefaultRenderers returns a renderer for every format.
func DefaultRenderers(frontMatter bool) Renderers {
	return Renderers{
		domain.FormatMarkdown: MarkdownRenderer{FrontMatter: frontMatter},
		domain.FormatPDF:      PDFRenderer{},
		domain.FormatHTML:     NewHTMLRenderer(),
	}
}

// fullMarkdown prefixes the body with the title heading unless the body
// already opens with it.
func fullMarkdown(a *domain.Article) string {
	heading := "# " + a.Title
	body := strings.TrimSpace(a.Body)
	first, _, _ := strings.Cut(body, "\n")
	if strings.TrimSpace(first) == heading {
		return body + "\n"
	}
	return heading + "\n\n" + body + "\n"
}

type frontMatter struct {
	Title          string    `yaml:"title"`
	Summary        string    `yaml:"summary,omitempty"`
	Keywords       []string  `yaml:"keywords,omitempty"`
	WordCount      int       `yaml:"word_count"`
	ReadingMinutes int       `yaml:"reading_minutes"`
	Job            int64     `yaml:"job"`
	Created        time.Time `yaml:"created,omitempty"`
}

// MarkdownRenderer writes the article as Markdown, optionally preceded by a
// YAML front matter block.
type MarkdownRenderer struct {
	FrontMatter bool
}

func (MarkdownRenderer) ContentType() string { return "text/markdown; charset=utf-8" }

func (r MarkdownRenderer) Render(a *domain.Article) ([]byte, error) {
	var buf bytes.Buffer
	if r.FrontMatter {
		var keywords []string
		if a.KeywordDigest != "" {
			keywords = strings.Split(a.KeywordDigest, ", ")
		}
		meta, err := yaml.Marshal(frontMatter{
			Title:          a.Title,
			Summary:        a.Summary,
			Keywords:       keywords,
			WordCount:      a.WordCount,
			ReadingMinutes: a.ReadingMinutes,
			Job:            a.JobID,
			Created:        a.CreatedAt.UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("front matter: %w", err)
		}
		buf.WriteString("---\n")
		buf.Write(meta)
		buf.WriteString("---\n\n")
	}
	buf.WriteString(fullMarkdown(a))
	return buf.Bytes(), nil
}

var htmlPage = template.Must(template.New("article").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
{{- if .Summary}}
<meta name="description" content="{{.Summary}}">
{{- end}}
{{- if .Keywords}}
<meta name="keywords" content="{{.Keywords}}">
{{- end}}
<style>body{max-width:42rem;margin:2rem auto;padding:0 1rem;font-family:Georgia,serif;line-height:1.6}.summary{color:#666;font-style:italic}</style>
</head>
<body>
<article>
{{- if .Summary}}
<p class="summary">{{.Summary}}</p>
{{- end}}
{{.Body}}
</article>
</body>
</html>
`))

// HTMLRenderer converts the Markdown to a standalone HTML page.
type HTMLRenderer struct {
	md goldmark.Markdown
}

func NewHTMLRenderer() HTMLRenderer {
	return HTMLRenderer{md: goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithParserOptions(parser.WithAutoHeadingID()),
	)}
}

func (HTMLRenderer) ContentType() string { return "text/html; charset=utf-8" }

func (r HTMLRenderer) Render(a *domain.Article) ([]byte, error) {
	var body bytes.Buffer
	if err := r.md.Convert([]byte(fullMarkdown(a)), &body); err != nil {
		return nil, fmt.Errorf("convert markdown: %w", err)
	}
	var page bytes.Buffer
	err := htmlPage.Execute(&page, struct {
		Title, Summary, Keywords string
		Body                     template.HTML
	}{a.Title, a.Summary, a.KeywordDigest, template.HTML(body.String())})
	if err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}
	return page.Bytes(), nil
}

// PDFRenderer lays out the title, the summary in italics and the body.
// Headings, bullet lists and paragraphs are recognised; other Markdown
// is flattened to text.
type PDFRenderer struct{}

func (PDFRenderer) ContentType() string { return "application/pdf" }

var inlineMarkup = regexp.MustCompile("\\*\\*|__|`|\\[([^\\]]*)\\]\\([^)]*\\)")

func plain(s string) string {
	return strings.TrimSpace(inlineMarkup.ReplaceAllString(s, "$1"))
}

func (PDFRenderer) Render(a *domain.Article) ([]byte, error) {
	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetMargins(72, 72, 72)
	pdf.SetAutoPageBreak(true, 54)
	pdf.SetTitle(a.Title, true)
	pdf.SetCreator("scout", true)
	if !a.CreatedAt.IsZero() {
		pdf.SetCreationDate(a.CreatedAt)
	}
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 24)
	pdf.MultiCell(0, 30, tr(a.Title), "", "C", false)
	pdf.Ln(18)

	if a.Summary != "" {
		pdf.SetFont("Helvetica", "I", 12)
		pdf.SetTextColor(0x66, 0x66, 0x66)
		pdf.MultiCell(0, 16, tr(a.Summary), "", "J", false)
		pdf.SetTextColor(0, 0, 0)
		pdf.Ln(18)
	}

	var para []string
	flush := func() {
		if len(para) == 0 {
			return
		}
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 14, tr(plain(strings.Join(para, " "))), "", "J", false)
		pdf.Ln(10)
		para = para[:0]
	}

	sc := bufio.NewScanner(strings.NewReader(a.Body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "#"):
			flush()
			level := len(line) - len(strings.TrimLeft(line, "#"))
			text := plain(strings.TrimLeft(line, "# "))
			if level == 1 && text == a.Title {
				continue
			}
			size := map[int]float64{1: 18, 2: 16, 3: 13}[level]
			if size == 0 {
				size = 12
			}
			pdf.Ln(6)
			pdf.SetFont("Helvetica", "B", size)
			pdf.MultiCell(0, size+4, tr(text), "", "L", false)
			pdf.Ln(4)
		case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
			flush()
			pdf.SetFont("Helvetica", "", 11)
			pdf.SetX(90)
			pdf.MultiCell(0, 14, tr("• "+plain(line[2:])), "", "L", false)
		default:
			para = append(para, strings.Trim(line, "*_"))
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}
