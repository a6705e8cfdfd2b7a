// Package sink holds the remote persistence targets a tracker delivers to.
// Each type implements tracker.Sink and reports any delivery failure as an
// error; none of them retries.
package sink

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/gosight/gosight/tracker/internal/tracker"
)

// Record flattens an event into the wire shape the collector expects:
// fixed fields first, then the event metadata spread over them. eventId and
// sessionId are always taken from the event itself.
func Record(e tracker.Event) map[string]any {
	r := map[string]any{
		"userId":    e.UserID(),
		"eventType": string(e.Type),
		"contentId": e.ContentID,
		"timestamp": e.Timestamp,
	}
	for k, v := range e.Metadata {
		r[k] = v
	}
	r["eventId"] = e.ID
	r["sessionId"] = e.SessionID
	return r
}

// Multi delivers every event to all of its members and fails if any of them
// fails.
type Multi []tracker.Sink

func (m Multi) SendEvent(ctx context.Context, e tracker.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.SendEvent(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes each event as a structured log line. It never fails.
type Log struct {
	logger zerolog.Logger
}

func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) SendEvent(_ context.Context, e tracker.Event) error {
	l.logger.Info().
		Str("event_id", e.ID).
		Str("event_type", string(e.Type)).
		Str("content_id", e.ContentID).
		Str("session_id", e.SessionID).
		Str("user_id", e.UserID()).
		Int64("timestamp", e.Timestamp).
		Fields(e.Metadata).
		Msg("Tracked event")
	return nil
}
