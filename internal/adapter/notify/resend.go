// Package notify tells users about finished and failed jobs.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cwygoda/scout/internal/domain"
)

// ResendConfig configures the Resend email notifier.
type ResendConfig struct {
	APIKey  string
	From    string
	BaseURL string
	// AppURL is linked from the emails.
	AppURL string
}

// Resend sends notification emails through the Resend HTTP API.
type Resend struct {
	client *http.Client
	cfg    ResendConfig
	log    *zap.Logger
}

// NewResend creates a Resend notifier. client may be nil.
func NewResend(cfg ResendConfig, client *http.Client, log *zap.Logger) *Resend {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.resend.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.AppURL = strings.TrimRight(cfg.AppURL, "/")
	return &Resend{client: client, cfg: cfg, log: log}
}

type readyData struct {
	Name     string
	Title    string
	Sector   string
	Location string
	Formats  []string
	Link     string
}

type failedData struct {
	Name     string
	Sector   string
	Location string
	Reason   string
	Link     string
}

const layout = `{{define "layout"}}<!DOCTYPE html>
<html>
<head>
<style>
body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
.container { max-width: 600px; margin: 0 auto; padding: 20px; }
.header { background: {{template "colour"}}; color: white; padding: 30px; text-align: center; border-radius: 10px 10px 0 0; }
.content { background: #f9f9f9; padding: 30px; border-radius: 0 0 10px 10px; }
.box { background: white; padding: 20px; border-left: 4px solid {{template "colour"}}; margin: 20px 0; }
.button { display: inline-block; padding: 12px 30px; background: #667eea; color: white; text-decoration: none; border-radius: 5px; }
</style>
</head>
<body><div class="container">{{template "body" .}}</div></body>
</html>{{end}}`

var readyTmpl = template.Must(template.Must(template.New("ready").Parse(layout)).Parse(`
{{define "colour"}}#667eea{{end}}
{{define "body"}}
<div class="header"><h1>Your article is ready</h1></div>
<div class="content">
<h2>Hi {{.Name}}!</h2>
<p>Your article has been researched and written.</p>
<div class="box">
<h3>{{.Title}}</h3>
<p><strong>Sector:</strong> {{.Sector}}</p>
<p><strong>Location:</strong> {{.Location}}</p>
</div>
{{- if .Formats}}
<p><strong>Available formats:</strong> {{range $i, $f := .Formats}}{{if $i}}, {{end}}{{$f}}{{end}}</p>
{{- end}}
{{- if .Link}}
<a href="{{.Link}}" class="button">View your article</a>
{{- end}}
</div>
{{end}}`))

var failedTmpl = template.Must(template.Must(template.New("failed").Parse(layout)).Parse(`
{{define "colour"}}#dc3545{{end}}
{{define "body"}}
<div class="header"><h1>Article generation failed</h1></div>
<div class="content">
<h2>Hi {{.Name}},</h2>
<p>We ran into a problem while generating your article about {{.Sector}} in {{.Location}}.</p>
<div class="box"><strong>Error:</strong> {{.Reason}}</div>
<p>This attempt does not count against your monthly limit.</p>
{{- if .Link}}
<a href="{{.Link}}" class="button">Try again</a>
{{- end}}
</div>
{{end}}`))

func greeting(u *domain.User) string {
	if u.Name != "" {
		return u.Name
	}
	name, _, _ := strings.Cut(u.Email, "@")
	return name
}

// NotifyReady emails the owner that the article is available.
func (r *Resend) NotifyReady(ctx context.Context, u *domain.User, job *domain.Job, a *domain.Article) error {
	data := readyData{
		Name:     greeting(u),
		Title:    a.Title,
		Sector:   job.Request.Sector,
		Location: job.Request.Location,
	}
	for _, f := range []domain.Format{domain.FormatMarkdown, domain.FormatPDF, domain.FormatHTML} {
		if _, ok := a.Files[f]; ok {
			data.Formats = append(data.Formats, string(f))
		}
	}
	if r.cfg.AppURL != "" {
		data.Link = fmt.Sprintf("%s/jobs/%d", r.cfg.AppURL, job.ID)
	}
	var body bytes.Buffer
	if err := readyTmpl.ExecuteTemplate(&body, "layout", data); err != nil {
		return fmt.Errorf("render email: %w", err)
	}
	return r.send(ctx, u.Email, fmt.Sprintf("Your article '%s' is ready!", a.Title), body.String())
}

// NotifyFailed emails the owner the failure reason.
func (r *Resend) NotifyFailed(ctx context.Context, u *domain.User, job *domain.Job, reason string) error {
	data := failedData{
		Name:     greeting(u),
		Sector:   job.Request.Sector,
		Location: job.Request.Location,
		Reason:   reason,
	}
	if r.cfg.AppURL != "" {
		data.Link = r.cfg.AppURL + "/jobs"
	}
	var body bytes.Buffer
	if err := failedTmpl.ExecuteTemplate(&body, "layout", data); err != nil {
		return fmt.Errorf("render email: %w", err)
	}
	return r.send(ctx, u.Email, "Article generation failed", body.String())
}

type email struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (r *Resend) send(ctx context.Context, to, subject, html string) error {
	payload, err := json.Marshal(email{From: r.cfg.From, To: []string{to}, Subject: subject, HTML: html})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/emails", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("resend returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	r.log.Debug("email sent", zap.String("to", to), zap.String("subject", subject))
	return nil
}
