package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gosight/gosight/tracker/internal/tracker"
)

const sessionStatsTTL = time.Hour

// SessionStats keeps a rolling per-session summary in a Redis hash:
// total and per-kind event counts, first and last event times, and the
// most recent content per kind.
type SessionStats struct {
	redis redis.Cmdable
}

func NewSessionStats(rdb redis.Cmdable) *SessionStats {
	return &SessionStats{redis: rdb}
}

func sessionKey(sessionID string) string {
	return "learning_session:" + sessionID
}

func (s *SessionStats) SendEvent(ctx context.Context, e tracker.Event) error {
	key := sessionKey(e.SessionID)

	pipe := s.redis.TxPipeline()

	pipe.HIncrBy(ctx, key, "events_count", 1)
	pipe.HIncrBy(ctx, key, "count:"+string(e.Type), 1)
	pipe.HSet(ctx, key, "last_event_at", e.Timestamp)
	if e.ContentID != "" {
		pipe.HSet(ctx, key, "last:"+string(e.Type), e.ContentID)
	}

	switch e.Type {
	case tracker.EventQuizAnswer:
		if correct, ok := e.Metadata["correct"].(bool); ok && correct {
			pipe.HIncrBy(ctx, key, "correct_answers", 1)
		}
	case tracker.EventVideoComplete, tracker.EventQuizComplete:
		pipe.HIncrBy(ctx, key, "completions", 1)
	}

	// Set session metadata (only if not exists)
	pipe.HSetNX(ctx, key, "user_id", e.UserID())
	pipe.HSetNX(ctx, key, "first_event_at", e.Timestamp)

	pipe.Expire(ctx, key, sessionStatsTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis sink: update %s: %w", key, err)
	}
	return nil
}

// Summary returns the stored hash for a session.
func (s *SessionStats) Summary(ctx context.Context, sessionID string) (map[string]string, error) {
	return s.redis.HGetAll(ctx, sessionKey(sessionID)).Result()
}
