// Package api exposes the diagnostic and manual-trigger HTTP surface. Every
// route is a thin wrapper over the core services; no pipeline logic lives
// here.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"purpletrace/internal/elastic"
	perrors "purpletrace/internal/errors"
	"purpletrace/internal/fetcher"
	"purpletrace/internal/schema"
	"purpletrace/internal/tagger"
)

// Tagger is the tagging entry point the API wraps.
type Tagger interface {
	Tag(ctx context.Context, op *schema.Operation) tagger.Outcome
}

// DetectionReader fetches detection correlation data.
type DetectionReader interface {
	GetDetectionData(ctx context.Context, operationIDs []string) fetcher.Result
}

// BackendStatus is the read-only diagnostic view of the index client.
type BackendStatus interface {
	Ping(ctx context.Context) (*elastic.ClusterInfo, error)
	State() elastic.BreakerState
	Index() string
	ResetBreaker()
}

// Handler serves the diagnostic API.
type Handler struct {
	tagger      Tagger
	detections  DetectionReader
	backend     BackendStatus
	fallbackDir string
	logger      *slog.Logger
}

// NewHandler creates the API handler. backend may be nil when no index
// client is configured.
func NewHandler(t Tagger, d DetectionReader, b BackendStatus, fallbackDir string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{tagger: t, detections: d, backend: b, fallbackDir: fallbackDir, logger: logger}
}

// Register wires the routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /v1/tag-test", h.TagTest)
	mux.HandleFunc("POST /v1/detections", h.Detections)
	mux.HandleFunc("POST /v1/breaker/reset", h.BreakerReset)
}

// Health reports backend reachability, breaker state, failure count and the
// configured index. Read-only; never touches the tagging path.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"service":      "purpletrace",
		"status":       "running",
		"fallback_dir": h.fallbackDir,
	}

	if h.backend == nil {
		status["backend"] = map[string]any{"status": "client_not_initialized"}
		writeJSON(w, http.StatusOK, status)
		return
	}

	backend := map[string]any{
		"index": h.backend.Index(),
	}

	state := h.backend.State()
	backend["circuit_breaker_open"] = state.Open
	backend["failure_count"] = state.FailureCount

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if info, err := h.backend.Ping(ctx); err != nil {
		backend["status"] = "error"
		backend["error"] = perrors.Truncate(perrors.Scrub(err.Error()), 200)
	} else {
		backend["status"] = "connected"
		backend["cluster_name"] = info.ClusterName
		backend["version"] = info.Version.Number
	}

	status["backend"] = backend
	writeJSON(w, http.StatusOK, status)
}

// TagTest tags a synthetic finished operation so operators can verify the
// write path end to end without running an emulation.
func (h *Handler) TagTest(w http.ResponseWriter, r *http.Request) {
	op := &schema.Operation{
		ID:    uuid.NewString(),
		Name:  "purpletrace-tag-test",
		State: "finished",
		Group: "test-client",
	}

	outcome := h.tagger.Tag(r.Context(), op)

	resp := map[string]any{
		"status":       outcome.Kind.String(),
		"operation_id": op.ID,
	}

	switch outcome.Kind {
	case tagger.Sent:
		resp["message"] = "tag sent to backend"
		resp["doc_id"] = outcome.Ack.ID
		resp["index"] = outcome.Ack.Index
		writeJSON(w, http.StatusOK, resp)
	case tagger.FellBack:
		resp["message"] = "backend unavailable, written to fallback log"
		resp["fallback_path"] = outcome.Path
		writeJSON(w, http.StatusOK, resp)
	default:
		resp["status"] = "error"
		resp["message"] = outcome.Reason
		writeJSON(w, http.StatusInternalServerError, resp)
	}
}

// Detections wraps the detection fetch for report generation. The body
// carries the operation ids; the response is the fetch result as-is,
// unavailable included (that is a first-class outcome, not an error).
func (h *Handler) Detections(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OperationIDs []string `json:"operation_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	result := h.detections.GetDetectionData(r.Context(), req.OperationIDs)
	writeJSON(w, http.StatusOK, result)
}

// BreakerReset force-closes the circuit breaker. Manual intervention path.
func (h *Handler) BreakerReset(w http.ResponseWriter, r *http.Request) {
	if h.backend == nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "no backend client configured"})
		return
	}
	h.backend.ResetBreaker()
	h.logger.Info("circuit breaker manually reset")
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
