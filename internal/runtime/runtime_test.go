package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/live"
	"github.com/loqalabs/loqa-live/internal/stt"
)

func newTestRuntime(t *testing.T) (*Runtime, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()

	speech := make([]float32, 32000)
	for i := range speech {
		speech[i] = 0.3
	}
	wavPath := filepath.Join(dir, "speech.wav")
	f, err := os.Create(wavPath)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	if err := audio.EncodeWAV(f, speech, 16000); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	f.Close()

	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.Live.Enabled = false
	cfg.Live.CalibrationMS = 0
	cfg.Live.PollMS = 10
	cfg.Capture.Mode = "file"
	cfg.Capture.File = wavPath
	cfg.Capture.Realtime = false
	cfg.EventStore.RetentionMode = "persistent"
	cfg.EventStore.Path = filepath.Join(dir, "events.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	store, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	svc, err := live.NewService(ctx, cfg, nil, store, stt.NewMockEngine(16000), logger)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	r := New(cfg, logger)
	r.store = store
	r.live = svc
	r.ready.Store(true)
	srv := httptest.NewServer(r.routes(nil))
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
		store.Close()
	})
	return r, srv
}

func do(t *testing.T, method, url string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndReady(t *testing.T) {
	r, srv := newTestRuntime(t)
	if code := do(t, http.MethodGet, srv.URL+"/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}
	if code := do(t, http.MethodGet, srv.URL+"/readyz", nil); code != http.StatusOK {
		t.Fatalf("readyz: %d", code)
	}
	r.ready.Store(false)
	if code := do(t, http.MethodGet, srv.URL+"/readyz", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz while stopping: %d", code)
	}
}

func TestLiveEndpointsTranscribeFile(t *testing.T) {
	_, srv := newTestRuntime(t)

	var status live.Status
	if code := do(t, http.MethodPost, srv.URL+"/v1/live/stop", nil); code != http.StatusConflict {
		t.Fatalf("stop before start: %d", code)
	}
	if code := do(t, http.MethodPost, srv.URL+"/v1/live/start", &status); code != http.StatusAccepted {
		t.Fatalf("start: %d", code)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		do(t, http.MethodGet, srv.URL+"/v1/live/status", &status)
		if !status.Running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("file session did not finish")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status.Error != "" {
		t.Fatalf("session failed: %s", status.Error)
	}

	var tr transcriptResponse
	if code := do(t, http.MethodGet, srv.URL+"/v1/live/transcript", &tr); code != http.StatusOK {
		t.Fatalf("transcript: %d", code)
	}
	if tr.Text != "alpha bravo charlie delta" || tr.LastCommitted == nil || tr.LastCommitted.SegmentID != 1 {
		t.Fatalf("unexpected transcript %+v", tr)
	}

	var events []eventResponse
	if code := do(t, http.MethodGet, srv.URL+"/v1/sessions/"+tr.SessionID+"/events", &events); code != http.StatusOK {
		t.Fatalf("events: %d", code)
	}
	committed := false
	for _, e := range events {
		if e.Type == eventstore.TypeDeltaPrefix+"committed" && e.Text == tr.Text {
			committed = true
		}
	}
	if !committed || events[0].Type != eventstore.TypeSessionStart {
		t.Fatalf("unexpected timeline %+v", events)
	}

	if code := do(t, http.MethodPost, srv.URL+"/v1/live/reset", &status); code != http.StatusOK {
		t.Fatalf("reset: %d", code)
	}
	do(t, http.MethodGet, srv.URL+"/v1/live/transcript", &tr)
	if tr.Text != "" {
		t.Fatalf("expected empty transcript after reset, got %q", tr.Text)
	}
}

func TestNodesWithoutBusIsEmpty(t *testing.T) {
	_, srv := newTestRuntime(t)
	var nodes []map[string]any
	if code := do(t, http.MethodGet, srv.URL+"/v1/nodes", &nodes); code != http.StatusOK {
		t.Fatalf("nodes: %d", code)
	}
	if len(nodes) != 0 {
		t.Fatalf("expected no nodes, got %v", nodes)
	}
}

func TestSessionEventsRejectsBadLimit(t *testing.T) {
	_, srv := newTestRuntime(t)
	if code := do(t, http.MethodGet, srv.URL+"/v1/sessions/x/events?limit=abc", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}
