package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"pdfchat/internal/helper"
	"pdfchat/internal/metrics"
	"pdfchat/internal/models"
	"pdfchat/internal/rag"
)

type Ingester interface {
	IngestFile(ctx context.Context, collection, name, path string, recreate bool) (rag.IngestResult, error)
}

type Answerer interface {
	Answer(ctx context.Context, collection, query string, k int) (*models.Response, error)
}

// Turn is one question and what came back for it.
type Turn struct {
	Question string
	Answer   string
	Evidence []models.Evidence
	Error    string
	At       time.Time
}

// Session is the context of one user chatting with one uploaded document.
type Session struct {
	ID         string
	Collection string
	Document   models.Document
	Created    time.Time

	turn     chan struct{} // one turn at a time
	lastUsed atomic.Int64  // unix nanos

	mu    sync.Mutex
	turns []Turn
}

func newSession(id, collection string, doc models.Document, now time.Time) *Session {
	s := &Session{
		ID:         id,
		Collection: collection,
		Document:   doc,
		Created:    now,
		turn:       make(chan struct{}, 1),
	}
	s.touch(now)
	return s
}

func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

func (s *Session) touch(t time.Time) {
	s.lastUsed.Store(t.UnixNano())
}

// busy reports whether a turn is in flight.
func (s *Session) busy() bool {
	return len(s.turn) > 0
}

func (s *Session) record(t Turn) {
	s.mu.Lock()
	s.turns = append(s.turns, t)
	s.mu.Unlock()
}

// Manager owns session lifecycles: created on upload, ended explicitly or
// after TTL of inactivity.
type Manager struct {
	ingestor Ingester
	engine   Answerer
	options  Options

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(ingestor Ingester, engine Answerer, opts ...Option) *Manager {
	return &Manager{
		ingestor: ingestor,
		engine:   engine,
		options:  NewOptions(opts...),
		sessions: make(map[string]*Session),
	}
}

// Upload stages r in a temp file, indexes it and opens a session for it.
// The temp file is removed on every path. No session is created when
// ingestion fails.
func (m *Manager) Upload(ctx context.Context, name string, r io.Reader) (*Session, rag.IngestResult, error) {
	var res rag.IngestResult
	if strings.ToLower(filepath.Ext(name)) != ".pdf" {
		return nil, res, fmt.Errorf("%w: only .pdf files are accepted", models.ErrUnsupportedFormat)
	}

	path, err := m.stage(r)
	if path != "" {
		defer func() {
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Warn().Err(rmErr).Str("path", path).Msg("Failed to remove temp upload")
			}
		}()
	}
	if err != nil {
		return nil, res, err
	}

	if m.options.IngestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.options.IngestTimeout)
		defer cancel()
	}

	res, err = m.ingestor.IngestFile(ctx, m.options.Collection, filepath.Base(name), path, false)
	if err != nil {
		return nil, res, fmt.Errorf("failed to index %s, please re-upload the PDF: %w", filepath.Base(name), err)
	}

	id, err := helper.GenerateUUID()
	if err != nil {
		return nil, res, err
	}
	s := newSession(id, m.options.Collection, res.Document, m.options.Now())

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	metrics.ActiveSessions.Inc()

	log.Info().Str("session", id).Str("document", res.Document.Name).Int("added", res.Added).Msg("Session created")
	return s, res, nil
}

// stage copies at most MaxUpload bytes of r into a new temp file.
func (m *Manager) stage(r io.Reader) (string, error) {
	f, err := os.CreateTemp(m.options.TempDir, "upload-*.pdf")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(r, m.options.MaxUpload+1))
	if err != nil {
		return f.Name(), fmt.Errorf("failed to store upload: %w", err)
	}
	if n > m.options.MaxUpload {
		return f.Name(), fmt.Errorf("%w: limit is %d bytes", models.ErrUploadTooLarge, m.options.MaxUpload)
	}
	return f.Name(), nil
}

// Ask answers one question in the session. A second question waits for the
// one in flight or for ctx, whichever comes first. A failed turn is recorded
// and leaves the session usable.
func (m *Manager) Ask(ctx context.Context, id, question string) (*models.Response, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for the previous question: %w", ctx.Err())
	}
	defer func() { <-s.turn }()

	now := m.options.Now()
	s.touch(now)

	resp, err := m.engine.Answer(ctx, s.Collection, question, 0)
	turn := Turn{Question: question, At: now}
	if err != nil {
		turn.Error = err.Error()
		s.record(turn)
		return nil, err
	}
	turn.Answer = resp.Answer
	turn.Evidence = resp.Evidence
	s.record(turn)
	s.touch(m.options.Now())
	return resp, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, id)
	}
	return s, nil
}

// End tears the session down. The indexed document stays in the collection.
func (m *Manager) End(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", models.ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	metrics.ActiveSessions.Dec()
	log.Info().Str("session", id).Msg("Session ended")
	return nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep ends sessions idle for longer than the TTL and returns how many.
// A session with a turn in flight is never idle.
func (m *Manager) Sweep() int {
	cutoff := m.options.Now().Add(-m.options.TTL)
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	var expired []string
	for _, s := range all {
		if !s.busy() && s.LastUsed().Before(cutoff) {
			expired = append(expired, s.ID)
		}
	}

	n := 0
	for _, id := range expired {
		if m.End(id) == nil {
			n++
		}
	}
	return n
}

// Run sweeps expired sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				log.Debug().Int("expired", n).Msg("Swept idle sessions")
			}
		}
	}
}
