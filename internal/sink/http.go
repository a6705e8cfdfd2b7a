package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gosight/gosight/tracker/internal/config"
	"github.com/gosight/gosight/tracker/internal/tracker"
)

// eventBatchRequest mirrors the collector's POST /v1/events body.
type eventBatchRequest struct {
	ProjectKey string           `json:"project_key"`
	SessionID  string           `json:"session_id"`
	UserID     string           `json:"user_id"`
	Events     []map[string]any `json:"events"`
}

type eventResponse struct {
	Success       bool     `json:"success"`
	AcceptedCount int      `json:"accepted_count"`
	RejectedCount int      `json:"rejected_count"`
	Errors        []string `json:"errors,omitempty"`
}

// HTTP posts each event to a collector endpoint.
type HTTP struct {
	endpoint   string
	projectKey string
	client     *http.Client
}

func NewHTTP(cfg config.HTTPSinkConfig) (*HTTP, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("http sink: endpoint is required")
	}
	return &HTTP{
		endpoint:   cfg.Endpoint,
		projectKey: cfg.ProjectKey,
		client:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (h *HTTP) SendEvent(ctx context.Context, e tracker.Event) error {
	body, err := json.Marshal(eventBatchRequest{
		ProjectKey: h.projectKey,
		SessionID:  e.SessionID,
		UserID:     e.UserID(),
		Events:     []map[string]any{Record(e)},
	})
	if err != nil {
		return fmt.Errorf("http sink: encode event %s: %w", e.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("http sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("http sink: post event %s: %w", e.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("http sink: read response: %w", err)
	}

	var out eventResponse
	decodeErr := json.Unmarshal(data, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr == nil && len(out.Errors) > 0 {
			return fmt.Errorf("http sink: collector returned %d: %s", resp.StatusCode, strings.Join(out.Errors, "; "))
		}
		return fmt.Errorf("http sink: collector returned %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return fmt.Errorf("http sink: decode response: %w", decodeErr)
	}
	if !out.Success || out.RejectedCount > 0 {
		return fmt.Errorf("http sink: event %s rejected: %s", e.ID, strings.Join(out.Errors, "; "))
	}
	return nil
}
