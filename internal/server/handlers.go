package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/structboard/orchestra/internal/model"
)

// Handlers holds the HTTP endpoint implementations.
type Handlers struct {
	gateway             *Gateway
	version             string
	storeKind           string
	maxRequestBodyBytes int64
	startedAt           time.Time
}

// NewHandlers creates the endpoint set over the gateway.
func NewHandlers(gateway *Gateway, version, storeKind string, maxRequestBodyBytes int64) *Handlers {
	return &Handlers{
		gateway:             gateway,
		version:             version,
		storeKind:           storeKind,
		maxRequestBodyBytes: maxRequestBodyBytes,
		startedAt:           time.Now(),
	}
}

// HandleToolCall implements POST /tools/call.
func (h *Handlers) HandleToolCall(w http.ResponseWriter, r *http.Request) {
	in := CallInput{
		RequestID:      RequestIDFromContext(r.Context()),
		APIKey:         r.Header.Get("X-Api-Key"),
		AgentID:        headerOr(r, "X-Agent-Id", "unknown"),
		SessionID:      headerOr(r, "X-Session-Id", "unknown"),
		IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	var body model.ToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgs, "Request body is not valid JSON", nil)
		return
	}
	in.Tool = body.Tool
	in.Args = body.Args
	in.ProjectID = body.ProjectID

	outcome := h.gateway.Invoke(r.Context(), in)

	if outcome.RateLimit != nil {
		setRateLimitHeaders(w, *outcome.RateLimit)
	}
	if outcome.Failure != nil {
		writeJSON(w, outcome.Status, model.ErrorResponse{Error: *outcome.Failure})
		return
	}
	writeJSON(w, outcome.Status, outcome.Response)
}

// HandleToolList implements GET /tools/list: the unauthenticated capability
// catalog.
func (h *Handlers) HandleToolList(w http.ResponseWriter, r *http.Request) {
	catalog := model.ToolCatalog{
		Object:  "tool_list",
		Created: time.Now().Unix(),
		Data:    h.gateway.Registry().Catalog(),
		Metadata: model.CatalogMetadata{
			Version:  h.version,
			Provider: "StructureBoard",
			Features: []string{"api_key_auth", "scope_control", "idempotency", "audit_logs"},
		},
	}
	writeJSON(w, http.StatusOK, catalog)
}

// HandleHealth implements GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	if err := h.gateway.store.Ping(r.Context()); err != nil {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, model.HealthResponse{
		Status:  status,
		Version: h.version,
		Store:   h.storeKind,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}

func headerOr(r *http.Request, key, fallback string) string {
	if v := r.Header.Get(key); v != "" {
		return v
	}
	return fallback
}
