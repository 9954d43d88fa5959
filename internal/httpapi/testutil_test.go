package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"inferd/internal/engine"
	"inferd/internal/pipeline"
	"inferd/pkg/types"
)

type mockService struct {
	models    []types.Model
	status    types.StatusResponse
	ready     bool
	inferErr  error
	cancelErr error
	// block makes Infer wait for its context before returning inferErr.
	block bool
	got   types.GenerateRequest
}

func (m *mockService) ListModels() []types.Model    { return append([]types.Model(nil), m.models...) }
func (m *mockService) Status() types.StatusResponse { return m.status }
func (m *mockService) Ready() bool                  { return m.ready }
func (m *mockService) Cancel(id string) error       { return m.cancelErr }

func (m *mockService) Infer(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error {
	m.got = req
	if m.block {
		<-ctx.Done()
	}
	if m.inferErr != nil {
		return m.inferErr
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(types.StreamLine{ID: req.ID, Delta: "hi"})
	if flush != nil {
		flush()
	}
	_ = enc.Encode(types.StreamLine{ID: req.ID, Done: true, FinishReason: "eos"})
	if flush != nil {
		flush()
	}
	return nil
}

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var e types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("error body %q: %v", w.Body.String(), err)
	}
	return e
}

func tinyConfig() pipeline.Config {
	return pipeline.Config{
		ID:            "tiny",
		Family:        "ref",
		Hidden:        8,
		Layers:        2,
		ContextWindow: 64,
		Vocab:         []string{"<s>", "</s>", "Hello", " world", " ", "a", "b"},
		EOS:           "</s>",
		Seed:          7,
	}
}

// stack wires a real scheduler behind the HTTP API.
type stack struct {
	sched   *engine.Scheduler
	handler http.Handler
}

func newStack(t *testing.T, cfg engine.SchedulerConfig, run bool) *stack {
	t.Helper()
	m, err := pipeline.Load(tinyConfig())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Pipeline = pipeline.New(m, pipeline.Options{CacheRows: 512, Logger: zerolog.Nop()})
	cfg.Logger = zerolog.Nop()
	s, err := engine.NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	if run {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = s.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				t.Errorf("scheduler did not stop")
			}
		})
		deadline := time.Now().Add(5 * time.Second)
		for !s.Ready() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	svc := engine.NewService(s, []types.Model{{ID: "tiny"}, {ID: "other"}})
	return &stack{sched: s, handler: NewMux(svc)}
}
