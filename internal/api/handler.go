package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborlabs/chatgate/internal/auth"
	"github.com/harborlabs/chatgate/internal/chat"
	"github.com/harborlabs/chatgate/internal/circuitbreaker"
	"github.com/harborlabs/chatgate/internal/domain"
	"github.com/harborlabs/chatgate/internal/registry"
)

type HandlerConfig struct {
	Resolver     *auth.Resolver
	Orchestrator *chat.Orchestrator
	Registry     *registry.Registry
	Breakers     *circuitbreaker.Manager
}

type Handler struct {
	resolver     *auth.Resolver
	orchestrator *chat.Orchestrator
	registry     *registry.Registry
	breakers     *circuitbreaker.Manager
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		resolver:     cfg.Resolver,
		orchestrator: cfg.Orchestrator,
		registry:     cfg.Registry,
		breakers:     cfg.Breakers,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat", h.handleChat)
	h.mux.HandleFunc("POST /v1/chat/stream", h.handleChatStream)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthLive)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFor(r)

	account, err := h.resolver.Resolve(ctx, extractToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateRequest(&req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	resp, err := h.orchestrator.Chat(ctx, account, req, requestID)
	if err != nil {
		slog.Warn("chat rejected", "error", err, "request_id", requestID, "account_id", account.ID)
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	json.NewEncoder(w).Encode(resp)
}

// handleChatStream commits to a live event stream before the upstream call
// is made, so any failure after admission is reported in-band as the
// terminal event. Client disconnects share the release path with normal
// completion; release is idempotent.
func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFor(r)

	account, err := h.resolver.Resolve(ctx, extractToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.History = nil
	if msg := validateRequest(&req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	prep, err := h.orchestrator.PrepareStream(ctx, account, req, requestID)
	if err != nil {
		slog.Warn("stream rejected", "error", err, "request_id", requestID, "account_id", account.ID)
		writeDomainError(w, err)
		return
	}
	defer prep.Release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writeEvent := func(event domain.StreamEvent) {
		if ctx.Err() != nil {
			return
		}
		data, _ := json.Marshal(event)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	sink := func(delta string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		writeEvent(domain.StreamEvent{Delta: delta})
		return nil
	}

	if _, err := h.orchestrator.ExecuteStream(ctx, prep, sink); err != nil {
		if ctx.Err() != nil {
			slog.Info("client disconnected mid-stream", "request_id", requestID, "account_id", account.ID)
			return
		}
		slog.Error("stream failed", "error", err, "request_id", requestID)
		writeEvent(domain.StreamEvent{Done: true, Error: "the model provider failed to respond"})
		return
	}

	writeEvent(domain.StreamEvent{Done: true})
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	resp := domain.ModelsResponse{
		Object: "list",
		Data:   h.registry.List(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	models := h.registry.List()

	status := "healthy"
	if len(models) == 0 {
		status = "degraded"
	}

	resp := map[string]interface{}{
		"status":           status,
		"models":           len(models),
		"circuit_breakers": h.breakers.States(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func requestIDFor(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.New().String()
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func validateRequest(req *domain.ChatRequest) string {
	if strings.TrimSpace(req.Message) == "" {
		return "message is required"
	}
	if len(req.Message) > domain.MaxMessageLen {
		return "message too long"
	}
	if len(req.History) > domain.MaxAdHocHistory {
		return "too many history entries"
	}
	for _, m := range req.History {
		if len(m.Content) > domain.MaxMessageLen {
			return "history entry too long"
		}
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			return "history entries must be user or assistant messages"
		}
	}
	if req.OwnKey != nil && req.OwnKey.APIKey == "" {
		return "own_key requires api_key"
	}
	return ""
}

func writeDomainError(w http.ResponseWriter, err error) {
	var rateLimited *domain.RateLimitError
	if errors.As(err, &rateLimited) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rateLimited.RetryAfter.Seconds())))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var insufficient *domain.InsufficientCreditError
	if errors.As(err, &insufficient) {
		writeErrorWith(w, http.StatusForbidden, "insufficient credits", map[string]interface{}{
			"balance": insufficient.Balance,
		})
		return
	}

	var upstream *domain.UpstreamError
	switch {
	case errors.Is(err, domain.ErrSlotExhausted):
		writeError(w, http.StatusTooManyRequests, "too many concurrent streams")
	case errors.Is(err, domain.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "account not found")
	case errors.Is(err, domain.ErrModelNotFound):
		writeError(w, http.StatusNotFound, "model not found")
	case errors.Is(err, domain.ErrModelUnavailable):
		writeError(w, http.StatusServiceUnavailable, "no model available")
	case errors.As(err, &upstream):
		writeError(w, http.StatusBadGateway, "the model provider failed to respond")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeErrorWith(w, status, message, nil)
}

func writeErrorWith(w http.ResponseWriter, status int, message string, extra map[string]interface{}) {
	body := map[string]interface{}{
		"message": message,
		"code":    status,
	}
	for k, v := range extra {
		body[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}
