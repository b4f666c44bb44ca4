package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-live/internal/live"
	"github.com/loqalabs/loqa-live/internal/presence"
	"github.com/loqalabs/loqa-live/internal/scheduler"
	"github.com/loqalabs/loqa-live/internal/transcript"
)

func (r *Runtime) routes(metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	mux.HandleFunc("GET /v1/live/status", r.handleStatus)
	mux.HandleFunc("GET /v1/live/transcript", r.handleTranscript)
	mux.HandleFunc("POST /v1/live/start", r.handleStart)
	mux.HandleFunc("POST /v1/live/stop", r.handleStop)
	mux.HandleFunc("POST /v1/live/reset", r.handleReset)
	mux.HandleFunc("GET /v1/sessions/{id}/events", r.handleSessionEvents)
	mux.HandleFunc("GET /v1/nodes", r.handleNodes)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, http.StatusOK, r.live.Session().Status())
}

type transcriptResponse struct {
	SessionID     string            `json:"session_id"`
	Text          string            `json:"text"`
	SegmentID     uint64            `json:"segment_id"`
	Live          string            `json:"live,omitempty"`
	LastCommitted *transcript.Delta `json:"last_committed,omitempty"`
}

func (r *Runtime) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	s := r.live.Session()
	snap := s.Snapshot()
	r.writeJSON(w, http.StatusOK, transcriptResponse{
		SessionID:     s.ID(),
		Text:          s.Transcript(),
		SegmentID:     snap.SegmentID,
		Live:          snap.Live,
		LastCommitted: snap.LastCommitted,
	})
}

func (r *Runtime) handleStart(w http.ResponseWriter, _ *http.Request) {
	err := r.live.StartCapture()
	switch {
	case err == nil:
		r.writeJSON(w, http.StatusAccepted, r.live.Session().Status())
	case errors.Is(err, live.ErrAlreadyRunning):
		r.writeError(w, http.StatusConflict, err)
	case errors.Is(err, live.ErrEngineBusy):
		r.writeError(w, http.StatusServiceUnavailable, err)
	default:
		r.writeError(w, http.StatusInternalServerError, err)
	}
}

func (r *Runtime) handleStop(w http.ResponseWriter, _ *http.Request) {
	err := r.live.StopCapture()
	switch {
	case err == nil, errors.Is(err, scheduler.ErrStopTimeout):
		// an abandoned inference still counts as stopped
		r.writeJSON(w, http.StatusOK, r.live.Session().Status())
	case errors.Is(err, live.ErrNotRunning):
		r.writeError(w, http.StatusConflict, err)
	default:
		r.writeError(w, http.StatusInternalServerError, err)
	}
}

func (r *Runtime) handleReset(w http.ResponseWriter, _ *http.Request) {
	if err := r.live.Reset(); err != nil {
		r.writeError(w, http.StatusInternalServerError, err)
		return
	}
	r.writeJSON(w, http.StatusOK, r.live.Session().Status())
}

type eventResponse struct {
	ID        int64           `json:"id"`
	SegmentID uint64          `json:"segment_id,omitempty"`
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	if !r.store.Enabled() {
		r.writeError(w, http.StatusNotFound, errors.New("event store retention is disabled"))
		return
	}
	limit := 0
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			r.writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	events, err := r.store.ListSessionEvents(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		r.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		resp := eventResponse{ID: e.ID, SegmentID: e.SegmentID, Type: e.Type, Text: e.Text, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			resp.Payload = e.Payload
		}
		out = append(out, resp)
	}
	r.writeJSON(w, http.StatusOK, out)
}

func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	if r.presence == nil {
		r.writeJSON(w, http.StatusOK, []presence.NodeInfo{})
		return
	}
	var filter func(presence.NodeInfo) bool
	if name := req.URL.Query().Get("capability"); name != "" {
		filter = presence.WithCapability(name)
	}
	nodes := r.presence.Nodes(filter)
	if nodes == nil {
		nodes = []presence.NodeInfo{}
	}
	r.writeJSON(w, http.StatusOK, nodes)
}

func (r *Runtime) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Warn("failed to write response", slog.String("error", err.Error()))
	}
}

func (r *Runtime) writeError(w http.ResponseWriter, status int, err error) {
	r.writeJSON(w, status, map[string]string{"error": err.Error()})
}
