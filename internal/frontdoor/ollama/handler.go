// Package ollama exposes the Ollama-native chat and generate endpoints and
// relays them through the enforcement pipeline. Responses keep the exact wire
// shape a plain Ollama server would produce, including NDJSON streaming, so
// existing chat UIs work unmodified.
package ollama

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ollamashield/ollamashield/internal/domain"
	"github.com/ollamashield/ollamashield/internal/pipeline"
	"github.com/ollamashield/ollamashield/internal/server"
	"github.com/ollamashield/ollamashield/internal/telemetry"
)

// Handler serves /api/chat and /api/generate.
type Handler struct {
	pipeline *pipeline.Pipeline
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// NewHandler wires the pipeline behind the Ollama endpoints.
func NewHandler(p *pipeline.Pipeline, metrics *telemetry.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{pipeline: p, metrics: metrics, logger: logger}
}

// errorBody is the structured error envelope for non-2xx responses.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// HandleChat serves POST /api/chat.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, pipeline.EndpointChat, domain.ErrValidation("invalid JSON body: "+err.Error()))
		return
	}
	if err := validateChat(&req); err != nil {
		h.writeError(w, r, pipeline.EndpointChat, err)
		return
	}

	server.AddLogField(ctx, "endpoint", pipeline.EndpointChat)
	server.AddLogField(ctx, "model", req.Model)

	if req.Streaming() {
		events, err := h.pipeline.EnforceChatStream(ctx, &req)
		if err != nil {
			h.writeError(w, r, pipeline.EndpointChat, err)
			return
		}
		h.relayChatStream(w, r, events)
		return
	}

	resp, err := h.pipeline.EnforceChat(ctx, &req)
	if err != nil {
		h.writeError(w, r, pipeline.EndpointChat, err)
		return
	}

	h.metrics.RecordRequest(pipeline.EndpointChat, "allowed")
	server.AddLogField(ctx, "outcome", "allowed")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// HandleGenerate serves POST /api/generate.
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, pipeline.EndpointGenerate, domain.ErrValidation("invalid JSON body: "+err.Error()))
		return
	}
	if err := validateGenerate(&req); err != nil {
		h.writeError(w, r, pipeline.EndpointGenerate, err)
		return
	}

	server.AddLogField(ctx, "endpoint", pipeline.EndpointGenerate)
	server.AddLogField(ctx, "model", req.Model)

	if req.Streaming() {
		events, err := h.pipeline.EnforceGenerateStream(ctx, &req)
		if err != nil {
			h.writeError(w, r, pipeline.EndpointGenerate, err)
			return
		}
		h.relayGenerateStream(w, r, events)
		return
	}

	resp, err := h.pipeline.EnforceGenerate(ctx, &req)
	if err != nil {
		h.writeError(w, r, pipeline.EndpointGenerate, err)
		return
	}

	h.metrics.RecordRequest(pipeline.EndpointGenerate, "allowed")
	server.AddLogField(ctx, "outcome", "allowed")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// relayChatStream writes pipeline chunks as NDJSON, flushing after each line.
// Errors after the first chunk cannot change the status code; the stream is
// simply truncated, matching what a dropped backend connection looks like.
func (h *Handler) relayChatStream(w http.ResponseWriter, r *http.Request, events <-chan pipeline.ChatStreamEvent) {
	w.Header().Set("Content-Type", "application/x-ndjson")

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	wrote := false
	outcome := "allowed"

	for ev := range events {
		if ev.Err != nil {
			if !wrote {
				h.writeError(w, r, pipeline.EndpointChat, ev.Err)
				return
			}
			server.AddError(r.Context(), ev.Err)
			outcome = "error"
			break
		}
		if err := enc.Encode(ev.Chunk); err != nil {
			outcome = "error"
			break
		}
		wrote = true
		if flusher != nil {
			flusher.Flush()
		}
		if ev.Chunk.Done && ev.Chunk.DoneReason == "blocked" {
			outcome = "blocked"
		}
	}

	h.metrics.RecordRequest(pipeline.EndpointChat, outcome)
	server.AddLogField(r.Context(), "outcome", outcome)
}

func (h *Handler) relayGenerateStream(w http.ResponseWriter, r *http.Request, events <-chan pipeline.GenerateStreamEvent) {
	w.Header().Set("Content-Type", "application/x-ndjson")

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	wrote := false
	outcome := "allowed"

	for ev := range events {
		if ev.Err != nil {
			if !wrote {
				h.writeError(w, r, pipeline.EndpointGenerate, ev.Err)
				return
			}
			server.AddError(r.Context(), ev.Err)
			outcome = "error"
			break
		}
		if err := enc.Encode(ev.Chunk); err != nil {
			outcome = "error"
			break
		}
		wrote = true
		if flusher != nil {
			flusher.Flush()
		}
		if ev.Chunk.Done && ev.Chunk.DoneReason == "blocked" {
			outcome = "blocked"
		}
	}

	h.metrics.RecordRequest(pipeline.EndpointGenerate, outcome)
	server.AddLogField(r.Context(), "outcome", outcome)
}

// writeError maps an error to its HTTP status and structured body.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	server.AddError(r.Context(), err)

	apiErr, ok := domain.AsAPIError(err)
	if !ok {
		apiErr = domain.ErrUpstream(err.Error())
	}

	outcome := "error"
	if apiErr.Type == domain.ErrorTypeBlocked {
		outcome = "blocked"
		server.AddLogField(r.Context(), "block_reason", apiErr.Reason)
	}
	h.metrics.RecordRequest(endpoint, outcome)
	server.AddLogField(r.Context(), "outcome", outcome)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatusCode())
	json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Type:    string(apiErr.Type),
		Message: apiErr.Message,
		Reason:  apiErr.Reason,
	}})
}

func validateChat(req *domain.ChatRequest) error {
	if strings.TrimSpace(req.Model) == "" {
		return domain.ErrValidation("model is required")
	}
	if len(req.Messages) == 0 {
		return domain.ErrValidation("messages must not be empty")
	}
	for i, msg := range req.Messages {
		if msg.Role == "" {
			return domain.ErrValidation("message role is required")
		}
		switch msg.Role {
		case "system", "user", "assistant", "tool":
		default:
			return domain.ErrValidation("unknown message role: " + req.Messages[i].Role)
		}
	}
	return nil
}

func validateGenerate(req *domain.GenerateRequest) error {
	if strings.TrimSpace(req.Model) == "" {
		return domain.ErrValidation("model is required")
	}
	return nil
}
