package httpapi

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"inferd/internal/engine"
	"inferd/internal/pipeline"
	"inferd/internal/sampling"
	"inferd/pkg/types"
)

func TestStackGenerateHello(t *testing.T) {
	st := newStack(t, engine.SchedulerConfig{}, true)
	w := postJSON(t, st.handler, "/v1/generate", `{"prompt":"Hello","max_tokens":1,"temperature":0}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp types.GenerateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.Usage.PromptTokens != 1 || resp.Usage.CompletionTokens != 1 || resp.ID != w.Header().Get(RequestIDHeader) {
		t.Fatalf("response %+v", resp)
	}
}

func TestStackGenerateStream(t *testing.T) {
	st := newStack(t, engine.SchedulerConfig{}, true)
	w := postJSON(t, st.handler, "/v1/generate", `{"id":"s1","prompt":"Hello","max_tokens":3,"stream":true,"logit_bias":{"5":50}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var last types.StreamLine
	var text strings.Builder
	sc := bufio.NewScanner(w.Body)
	for sc.Scan() {
		var line types.StreamLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		text.WriteString(line.Delta)
		last = line
	}
	if !last.Done || last.ID != "s1" || last.FinishReason != "length" || text.String() != "aaa" {
		t.Fatalf("last %+v text %q", last, text.String())
	}
}

func TestStackErrorMapping(t *testing.T) {
	st := newStack(t, engine.SchedulerConfig{}, true)
	cases := []struct {
		body   string
		status int
		kind   string
	}{
		{`{"prompt":"Hello","model":"other"}`, http.StatusBadRequest, "invalid_request"},
		{`{"prompt":""}`, http.StatusBadRequest, "invalid_request"},
		{`{"prompt":"Hello","regex":"("}`, http.StatusBadRequest, "invalid_constraint"},
		{`{"prompt":"Hello","adapters":["math"]}`, http.StatusUnsupportedMediaType, "unsupported_modality"},
		{`{"prompt":"` + strings.Repeat("Hello ", 100) + `"}`, http.StatusUnprocessableEntity, "preprocess"},
	}
	for _, c := range cases {
		w := postJSON(t, st.handler, "/v1/generate", c.body)
		if w.Code != c.status {
			t.Fatalf("%.40s: status=%d want %d (%s)", c.body, w.Code, c.status, w.Body.String())
		}
		if e := decodeError(t, w); e.Kind != c.kind {
			t.Fatalf("%.40s: kind %q want %q", c.body, e.Kind, c.kind)
		}
	}
}

func TestStackQueueFullMaps429(t *testing.T) {
	st := newStack(t, engine.SchedulerConfig{MaxQueueDepth: 1}, false)
	req := engine.Request{Messages: []pipeline.Message{{Role: "user", Content: "Hello"}}, Sampling: sampling.Params{MaxTokens: 1}}
	if _, err := st.sched.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	w := postJSON(t, st.handler, "/v1/generate", `{"prompt":"Hello"}`)
	if w.Code != http.StatusTooManyRequests || decodeError(t, w).Kind != "queue_full" {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestStackModelsStatusAndCancel(t *testing.T) {
	st := newStack(t, engine.SchedulerConfig{}, true)

	w := httptest.NewRecorder()
	st.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/models", nil))
	var models types.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &models); err != nil {
		t.Fatalf("models: %v", err)
	}
	if len(models.Models) != 2 || !models.Models[0].Loaded || models.Models[1].Loaded {
		t.Fatalf("models %+v", models.Models)
	}

	w = httptest.NewRecorder()
	st.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	var status types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.ModelID != "tiny" || status.State != "ready" {
		t.Fatalf("status %+v", status)
	}

	w = httptest.NewRecorder()
	st.handler.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/requests/nope", nil))
	if w.Code != http.StatusNotFound || decodeError(t, w).Kind != "unknown_request" {
		t.Fatalf("cancel unknown: status=%d body=%s", w.Code, w.Body.String())
	}
}
