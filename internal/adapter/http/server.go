package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/cwygoda/scout/internal/domain"
)

// UserHeader carries the caller's user ID.
const UserHeader = "X-User-ID"

const maxBodyBytes = 1 << 20

// Server is the HTTP adapter for the job service.
type Server struct {
	svc    *domain.JobService
	router chi.Router
	server *http.Server
	secret string
	log    *zap.Logger
	now    func() time.Time
}

// NewServer creates a new HTTP server. A non-empty secret requires every
// request to be signed.
func NewServer(svc *domain.JobService, addr, secret string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		svc:    svc,
		router: chi.NewRouter(),
		secret: secret,
		log:    log,
		now:    time.Now,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.recoverer)
	s.router.Use(s.requestLogger)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleDeleteJob)
		r.Get("/jobs/{id}/article", s.handleGetArticle)
		r.Get("/jobs/{id}/article/{format}", s.handleDownload)
		r.Get("/usage", s.handleUsage)
	})
}

type ctxKey int

const userKey ctxKey = iota

func userID(r *http.Request) int64 {
	id, _ := r.Context().Value(userKey).(int64)
	return id
}

// authenticate checks the optional signature and resolves the caller.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secret != "" {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				s.writeError(w, r, http.StatusBadRequest, "failed to read request body")
				return
			}
			if err := s.verifySignature(r, body); err != nil {
				s.log.Warn("request verification failed", zap.Error(err))
				s.writeError(w, r, http.StatusUnauthorized, err.Error())
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		id, err := strconv.ParseInt(r.Header.Get(UserHeader), 10, 64)
		if err != nil || id <= 0 {
			s.writeError(w, r, http.StatusUnauthorized, "missing or invalid "+UserHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, id)))
	})
}

const maxTimestampSkew = 5 * time.Minute

// verifySignature checks X-Signature against the method, request URI,
// user header, timestamp and body of r. See Sign.
func (s *Server) verifySignature(r *http.Request, body []byte) error {
	timestamp := r.Header.Get("X-Timestamp")
	if timestamp == "" {
		return fmt.Errorf("missing X-Timestamp header")
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid X-Timestamp: must be ISO8601/RFC3339 format")
	}

	skew := s.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("X-Timestamp too far from current time (skew: %v, max: %v)", skew.Truncate(time.Second), maxTimestampSkew)
	}

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Signature header")
	}

	want := Sign(SignedRequest{
		Method:    r.Method,
		URI:       r.URL.RequestURI(),
		UserID:    r.Header.Get(UserHeader),
		Timestamp: timestamp,
		Body:      body,
	}, s.secret)
	if subtle.ConstantTimeCompare([]byte(signature), []byte(want)) != 1 {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// SignedRequest holds the parts of a request covered by X-Signature.
type SignedRequest struct {
	Method string
	// URI is the path plus query, e.g. /v1/jobs?page=2.
	URI       string
	UserID    string
	Timestamp string
	Body      []byte
}

// Sign computes the X-Signature value:
// hex(SHA256("${method}\n${uri}\n${user}\n${timestamp}\n${body}\n${secret}")).
func Sign(req SignedRequest, secret string) string {
	payload := fmt.Sprintf("%s\n%s\n%s\n%s\n%s\n%s",
		req.Method, req.URI, req.UserID, req.Timestamp, req.Body, secret)
	hash := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(hash[:])
}

// submitRequest is the request body for POST /v1/jobs.
type submitRequest struct {
	Sector   string       `json:"sector"`
	Location string       `json:"location"`
	Keywords []string     `json:"keywords"`
	Style    domain.Style `json:"style"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON")
		return
	}

	job, err := s.svc.Submit(r.Context(), userID(r), domain.Request{
		Sector:   req.Sector,
		Location: req.Location,
		Keywords: req.Keywords,
		Style:    req.Style,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, jobToResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.JobFilter{
		UserID: userID(r),
		Status: domain.JobStatus(q.Get("status")),
	}
	var err error
	if v := q.Get("page"); v != "" {
		if filter.Page, err = strconv.Atoi(v); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid page")
			return
		}
	}
	if v := q.Get("page_size"); v != "" {
		if filter.PageSize, err = strconv.Atoi(v); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid page_size")
			return
		}
	}

	jobs, total, err := s.svc.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	filter = filter.Normalize()
	resp := listResponse{Jobs: make([]jobResponse, 0, len(jobs)), Total: total, Page: filter.Page, PageSize: filter.PageSize}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, jobToResponse(&jobs[i]))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid job ID")
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, err := s.svc.Get(r.Context(), userID(r), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Delete(r.Context(), userID(r), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	a, err := s.svc.Article(r.Context(), userID(r), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, articleToResponse(a))
}

var contentTypes = map[domain.Format]string{
	domain.FormatMarkdown: "text/markdown; charset=utf-8",
	domain.FormatPDF:      "application/pdf",
	domain.FormatHTML:     "text/html; charset=utf-8",
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	format, ok := domain.ParseFormat(chi.URLParam(r, "format"))
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "unknown format")
		return
	}

	rc, name, err := s.svc.OpenArticleFile(r.Context(), userID(r), id, format)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentTypes[format])
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn("download interrupted", zap.Int64("job_id", id), zap.Error(err))
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Usage(r.Context(), userID(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, usageToResponse(report))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeDomainError maps service errors to status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var quota *domain.QuotaExceededError
	switch {
	case errors.As(err, &quota):
		s.writeError(w, r, http.StatusForbidden, quota.Error())
	case errors.Is(err, domain.ErrInvalidRequest):
		s.writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, r, http.StatusNotFound, "job not found")
	case errors.Is(err, domain.ErrUserNotFound):
		s.writeError(w, r, http.StatusNotFound, "user not found")
	case errors.Is(err, domain.ErrArticleNotFound):
		s.writeError(w, r, http.StatusNotFound, "article not found")
	case errors.Is(err, domain.ErrJobInProgress):
		s.writeError(w, r, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg, RequestID: middleware.GetReqID(r.Context())})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Port extracts the port from the address.
func (s *Server) Port() int {
	addr := s.server.Addr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		port, _ := strconv.Atoi(addr[idx+1:])
		return port
	}
	return 0
}
