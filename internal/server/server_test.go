package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"pdfchat/internal/chromemdb"
	"pdfchat/internal/config"
	"pdfchat/internal/models"
	"pdfchat/internal/parser"
	"pdfchat/internal/parser/parsertest"
	"pdfchat/internal/rag"
	"pdfchat/internal/session"
)

type colorEmbedder struct{}

func (colorEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	return []float32{
		float32(strings.Count(lower, "sky")),
		float32(strings.Count(lower, "blue")),
		float32(strings.Count(lower, "grass")),
		0.1,
	}, nil
}

func (e colorEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

type stubLLM struct {
	err error
}

func (s *stubLLM) Generate(_ context.Context, prompt string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if strings.Contains(prompt, "The sky is blue.") {
		return "The sky is **blue**.", nil
	}
	return "I don't know.", nil
}

func newTestServer(t *testing.T, llm *stubLLM, maxUpload int64) *httptest.Server {
	t.Helper()
	index, err := chromemdb.NewVectorDBManager("", true, false, "")
	if err != nil {
		t.Fatal(err)
	}
	ingestor := rag.NewIngestor(colorEmbedder{}, index, parser.Options{ChunkSize: 200})
	engine := rag.NewRAG(rag.NewKnowledgeAgent(colorEmbedder{}, index, llm), config.Default())
	sessions := session.NewManager(ingestor, engine,
		session.WithTempDir(t.TempDir()),
		session.WithMaxUpload(maxUpload),
	)
	ts := httptest.NewServer(New(sessions, maxUpload, zerolog.Nop()).Routes())
	t.Cleanup(ts.Close)
	return ts
}

func upload(t *testing.T, ts *httptest.Server, name string, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	w.Close()

	resp, err := http.Post(ts.URL+"/api/sessions", w.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func askQuestion(t *testing.T, ts *httptest.Server, id, question string) *http.Response {
	t.Helper()
	b, _ := json.Marshal(askRequest{Question: question})
	resp, err := http.Post(ts.URL+"/api/sessions/"+id+"/questions", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestChatFlow(t *testing.T) {
	ts := newTestServer(t, &stubLLM{}, 1<<20)

	resp := upload(t, ts, "sky.pdf", parsertest.BuildPDF("The sky is blue.", "The grass is green."))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created createSessionResponse
	decode(t, resp, &created)
	if created.SessionID == "" || created.Document != "sky.pdf" || created.ChunksAdded != 2 {
		t.Fatalf("unexpected upload response %+v", created)
	}

	resp = askQuestion(t, ts, created.SessionID, "What color is the sky?")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var answer askResponse
	decode(t, resp, &answer)
	if !strings.Contains(answer.Answer, "blue") {
		t.Errorf("expected blue in answer, got %q", answer.Answer)
	}
	if !strings.Contains(answer.AnswerHTML, "<strong>blue</strong>") {
		t.Errorf("expected rendered markdown, got %q", answer.AnswerHTML)
	}
	if len(answer.Evidence) == 0 || answer.Evidence[0].Page != 1 {
		t.Errorf("expected page 1 evidence first, got %+v", answer.Evidence)
	}

	resp, err := http.Get(ts.URL + "/api/sessions/" + created.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	var transcript struct {
		Turns []struct {
			Question string           `json:"question"`
			Evidence []map[string]any `json:"evidence"`
		} `json:"turns"`
	}
	decode(t, resp, &transcript)
	if len(transcript.Turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(transcript.Turns))
	}
	if ev := transcript.Turns[0].Evidence; len(ev) == 0 || ev[0]["source"] != "sky.pdf" || ev[0]["page"] != float64(1) {
		t.Errorf("expected snake_case evidence in transcript, got %+v", ev)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/"+created.SessionID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}

	resp = askQuestion(t, ts, created.SessionID, "still there?")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after end, got %d", resp.StatusCode)
	}
}

func TestUploadErrors(t *testing.T) {
	ts := newTestServer(t, &stubLLM{}, 4096)

	tests := []struct {
		name   string
		file   string
		data   []byte
		status int
	}{
		{"not a pdf extension", "notes.txt", []byte("hello"), http.StatusUnsupportedMediaType},
		{"malformed pdf", "broken.pdf", []byte("not a pdf"), http.StatusUnprocessableEntity},
		{"too large", "big.pdf", bytes.Repeat([]byte("x"), 8192), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := upload(t, ts, tt.file, tt.data)
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("expected %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}

	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for non-multipart body, got %d", resp.StatusCode)
	}
}

func TestAskErrors(t *testing.T) {
	llm := &stubLLM{}
	ts := newTestServer(t, llm, 1<<20)

	resp := upload(t, ts, "sky.pdf", parsertest.BuildPDF("The sky is blue."))
	var created createSessionResponse
	decode(t, resp, &created)

	resp = askQuestion(t, ts, created.SessionID, "   ")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for empty question, got %d", resp.StatusCode)
	}

	llm.err = models.ErrGeneration
	resp = askQuestion(t, ts, created.SessionID, "sky?")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502 when generation fails, got %d", resp.StatusCode)
	}

	resp = askQuestion(t, ts, "missing", "sky?")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", resp.StatusCode)
	}
}

func TestHealthAndIndex(t *testing.T) {
	ts := newTestServer(t, &stubLLM{}, 1<<20)

	for _, path := range []string{"/healthz", "/", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}
