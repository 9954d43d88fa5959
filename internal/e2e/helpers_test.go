package e2e

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"inferd/internal/engine"
	"inferd/internal/httpapi"
	"inferd/internal/pipeline"
	"inferd/internal/registry"
	"inferd/pkg/types"
)

const vocab = `["<s>", "</s>", "<image>", "Hello", " world", " ", "a", "b", "c"]`

// manifest returns a small text manifest; extra is appended verbatim.
func manifest(id string, hidden, ctxWindow int, extra string) string {
	return "id: " + id + "\nfamily: ref\nhidden: " + strconv.Itoa(hidden) + "\nlayers: 2\ncontext_window: " + strconv.Itoa(ctxWindow) +
		"\nvocab: " + vocab + "\nbos: \"<s>\"\neos: \"</s>\"\nseed: 11\n" + extra
}

// createModelsDir writes manifests (file name to body) into a temp dir.
func createModelsDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write manifest %s: %v", name, err)
		}
	}
	return dir
}

// newServer loads id from dir, wires its draft when the manifest names one,
// and serves the API on an httptest server.
func newServer(t *testing.T, dir, id string, cfg engine.SchedulerConfig) (*httptest.Server, *engine.Scheduler) {
	t.Helper()
	all, err := registry.LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	m, ok := registry.Find(all, id)
	if !ok {
		t.Fatalf("model %q not found", id)
	}
	opts := pipeline.Options{Logger: zerolog.Nop()}
	cfg.Pipeline, err = registry.Open(m, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if d, err := registry.ResolveDraft(m, all); err != nil {
		t.Fatalf("draft: %v", err)
	} else if d != nil {
		if cfg.Draft, err = registry.Open(*d, opts); err != nil {
			t.Fatalf("open draft: %v", err)
		}
	}
	cfg.Logger = zerolog.Nop()
	sched, err := engine.NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()
	models := make([]types.Model, len(all))
	for i, a := range all {
		models[i] = a.Model()
	}
	srv := httptest.NewServer(httpapi.NewMux(engine.NewService(sched, models)))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Errorf("scheduler did not stop")
		}
	})
	waitReady(t, srv.URL)
	return srv, sched
}

func waitReady(t *testing.T, base string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server not ready")
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func httpPostJSON(t *testing.T, url string, payload any) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func httpDelete(t *testing.T, url string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodDelete, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", url, err)
	}
	resp.Body.Close()
	return resp
}

func readLines(t *testing.T, body []byte) []types.StreamLine {
	t.Helper()
	var out []types.StreamLine
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var l types.StreamLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("ndjson line %q: %v", sc.Text(), err)
		}
		out = append(out, l)
	}
	return out
}
