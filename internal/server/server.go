package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"pdfchat/internal/metrics"
	"pdfchat/internal/models"
	"pdfchat/internal/session"
)

// multipart framing allowance on top of the file size limit
const formOverhead = 1 << 20

// Server exposes the upload and chat surface over HTTP.
type Server struct {
	sessions  *session.Manager
	maxUpload int64
	md        goldmark.Markdown
	logger    zerolog.Logger
}

func New(sessions *session.Manager, maxUpload int64, logger zerolog.Logger) *Server {
	return &Server{
		sessions:  sessions,
		maxUpload: maxUpload,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(
				html.WithHardWraps(),
			),
		),
		logger: logger,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/", s.index)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Get("/{id}", s.getSession)
		r.Delete("/{id}", s.endSession)
		r.Post("/{id}/questions", s.ask)
	})
	return r
}

type evidenceJSON struct {
	Source  string  `json:"source"`
	Page    int     `json:"page"`
	Chunk   int     `json:"chunk"`
	Score   float32 `json:"score"`
	Content string  `json:"content"`
}

type createSessionResponse struct {
	SessionID   string `json:"session_id"`
	Document    string `json:"document"`
	Chunks      int    `json:"chunks"`
	ChunksAdded int    `json:"chunks_added"`
}

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	Answer     string         `json:"answer"`
	AnswerHTML string         `json:"answer_html"`
	Evidence   []evidenceJSON `json:"evidence"`
}

type turnJSON struct {
	Question string         `json:"question"`
	Answer   string         `json:"answer,omitempty"`
	Evidence []evidenceJSON `json:"evidence,omitempty"`
	Error    string         `json:"error,omitempty"`
	At       time.Time      `json:"at"`
}

type sessionResponse struct {
	SessionID string     `json:"session_id"`
	Document  string     `json:"document"`
	Created   time.Time  `json:"created"`
	Turns     []turnJSON `json:"turns"`
}

func toEvidenceJSON(docs []models.Evidence) []evidenceJSON {
	out := make([]evidenceJSON, 0, len(docs))
	for _, e := range docs {
		out = append(out, evidenceJSON{
			Source:  e.Source,
			Page:    e.Chunk.PageNumber,
			Chunk:   e.Chunk.ChunkID,
			Score:   e.Score,
			Content: e.Chunk.Content,
		})
	}
	return out
}

// createSession handles POST /api/sessions with a multipart "file" field.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+formOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart upload with a \"file\" field")
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, "missing \"file\" field")
			return
		}
		if err != nil {
			s.handleError(w, r, tooLarge(err))
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		sess, res, err := s.sessions.Upload(r.Context(), part.FileName(), part)
		part.Close()
		if err != nil {
			s.handleError(w, r, tooLarge(err))
			return
		}
		writeJSON(w, http.StatusCreated, createSessionResponse{
			SessionID:   sess.ID,
			Document:    sess.Document.Name,
			Chunks:      res.Chunks,
			ChunksAdded: res.Added,
		})
		return
	}
}

func (s *Server) ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resp, err := s.sessions.Ask(r.Context(), chi.URLParam(r, "id"), req.Question)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := s.md.Convert([]byte(resp.Answer), &buf); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Failed to render answer markdown")
		buf.Reset()
	}

	writeJSON(w, http.StatusOK, askResponse{
		Answer:     resp.Answer,
		AnswerHTML: buf.String(),
		Evidence:   toEvidenceJSON(resp.Evidence),
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	turns := sess.Turns()
	out := sessionResponse{
		SessionID: sess.ID,
		Document:  sess.Document.Name,
		Created:   sess.Created,
		Turns:     make([]turnJSON, 0, len(turns)),
	}
	for _, t := range turns {
		out.Turns = append(out.Turns, turnJSON{
			Question: t.Question,
			Answer:   t.Answer,
			Evidence: toEvidenceJSON(t.Evidence),
			Error:    t.Error,
			At:       t.At,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.End(chi.URLParam(r, "id")); err != nil {
		s.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) index(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, indexHTML)
}

var errorStatus = []struct {
	err    error
	status int
}{
	{models.ErrSessionNotFound, http.StatusNotFound},
	{models.ErrEmptyQuery, http.StatusBadRequest},
	{models.ErrUnsupportedFormat, http.StatusUnsupportedMediaType},
	{models.ErrUploadTooLarge, http.StatusRequestEntityTooLarge},
	{models.ErrParse, http.StatusUnprocessableEntity},
	{models.ErrDimensionMismatch, http.StatusConflict},
	{models.ErrEmbeddingService, http.StatusBadGateway},
	{models.ErrGeneration, http.StatusBadGateway},
	{models.ErrIndexUnavailable, http.StatusServiceUnavailable},
	{context.DeadlineExceeded, http.StatusGatewayTimeout},
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	for _, h := range errorStatus {
		if errors.Is(err, h.err) {
			writeError(w, h.status, err.Error())
			return
		}
	}
	hlog.FromRequest(r).Error().Err(err).Msg("Request failed")
	writeError(w, http.StatusInternalServerError, err.Error())
}

// tooLarge maps the body limit tripping inside the multipart reader.
func tooLarge(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return models.ErrUploadTooLarge
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
