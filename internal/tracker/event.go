package tracker

import (
	"context"
	"maps"
)

// EventType names a kind of learner interaction. The set is open: producers
// may pass any string and the tracker forwards it untouched.
type EventType string

const (
	EventVideoPlay     EventType = "video_play"
	EventVideoPause    EventType = "video_pause"
	EventVideoComplete EventType = "video_complete"
	EventQuizStart     EventType = "quiz_start"
	EventQuizAnswer    EventType = "quiz_answer"
	EventQuizComplete  EventType = "quiz_complete"
	EventContentView   EventType = "content_view"
)

// Event is a single tracked interaction.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"eventType"`
	ContentID string         `json:"contentId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Persisted bool           `json:"persisted"`
}

// UserID returns the producer identity stamped into the event metadata.
func (e Event) UserID() string {
	id, _ := e.Metadata["userId"].(string)
	return id
}

// Session associates a producer identity with the period during which
// tracking is permitted. The zero value is an inactive session.
type Session struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s Session) Active() bool {
	return s.ID != ""
}

func (s Session) UserID() string {
	id, _ := s.Metadata["userId"].(string)
	return id
}

// Sink delivers a single event to remote persistence. It returns an error for
// any delivery failure; the tracker never retries on its own.
type Sink interface {
	SendEvent(ctx context.Context, event Event) error
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) SendEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

func cloneEvents(events []Event) []Event {
	if events == nil {
		return nil
	}
	out := make([]Event, len(events))
	for i, e := range events {
		e.Metadata = maps.Clone(e.Metadata)
		out[i] = e
	}
	return out
}
