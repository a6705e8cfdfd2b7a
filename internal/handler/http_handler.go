package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/tracker/internal/enricher"
)

const maxBodyBytes = 1 << 20

// KeyValidator resolves project keys and enforces per-project rate limits.
type KeyValidator interface {
	ValidateAPIKey(ctx context.Context, key string) (string, error)
	CheckRateLimit(ctx context.Context, projectID string) bool
}

type EventPublisher interface {
	ProduceEvent(ctx context.Context, key string, event any) error
}

type HTTPHandler struct {
	publisher EventPublisher
	validator KeyValidator
	enricher  *enricher.Enricher
}

func NewHTTPHandler(p EventPublisher, v KeyValidator, e *enricher.Enricher) *HTTPHandler {
	return &HTTPHandler{
		publisher: p,
		validator: v,
		enricher:  e,
	}
}

// EventBatchRequest is the body of POST /v1/events. Session and user ids at
// the top level apply to every event that lacks its own.
type EventBatchRequest struct {
	ProjectKey string           `json:"project_key"`
	SessionID  string           `json:"session_id"`
	UserID     string           `json:"user_id"`
	Events     []map[string]any `json:"events"`
}

type EventResponse struct {
	Success       bool     `json:"success"`
	AcceptedCount int      `json:"accepted_count"`
	RejectedCount int      `json:"rejected_count"`
	Errors        []string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp EventResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (h *HTTPHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req EventBatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, EventResponse{Errors: []string{"Invalid JSON"}})
		return
	}

	projectID, err := h.validator.ValidateAPIKey(r.Context(), req.ProjectKey)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, EventResponse{Errors: []string{"Invalid API key"}})
		return
	}

	if !h.validator.CheckRateLimit(r.Context(), projectID) {
		writeJSON(w, http.StatusTooManyRequests, EventResponse{Errors: []string{"Rate limit exceeded"}})
		return
	}

	ip := clientIP(r)
	userAgent := r.Header.Get("User-Agent")

	var (
		accepted, rejected int
		errs               []string
	)

	for i, event := range req.Events {
		if t, _ := event["eventType"].(string); t == "" {
			rejected++
			errs = append(errs, fmt.Sprintf("event %d: missing eventType", i))
			continue
		}

		fillString(event, "sessionId", req.SessionID)
		fillString(event, "userId", req.UserID)
		fillString(event, "eventId", uuid.New().String())

		enriched := h.enricher.Enrich(event, projectID, userAgent, ip)

		if err := h.publisher.ProduceEvent(r.Context(), enriched.SessionID, enriched); err != nil {
			log.Error().Err(err).Str("event_id", enriched.EventID).Msg("Failed to publish event")
			rejected++
			errs = append(errs, err.Error())
			continue
		}
		accepted++
	}

	writeJSON(w, http.StatusOK, EventResponse{
		Success:       rejected == 0,
		AcceptedCount: accepted,
		RejectedCount: rejected,
		Errors:        errs,
	})
}

func fillString(event map[string]any, key, value string) {
	if s, _ := event[key].(string); s == "" && value != "" {
		event[key] = value
	}
}

// clientIP prefers proxy headers and falls back to the connection address.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if first, _, ok := strings.Cut(ip, ","); ok {
			return strings.TrimSpace(first)
		}
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Project-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
