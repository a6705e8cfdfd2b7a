package tracker

import (
	"maps"
	"strconv"
	"strings"
)

func (t *Tracker) TrackVideoPlay(videoID string, metadata map[string]any) {
	t.Track(EventVideoPlay, videoID, metadata)
}

func (t *Tracker) TrackVideoPause(videoID string, metadata map[string]any) {
	t.Track(EventVideoPause, videoID, metadata)
}

func (t *Tracker) TrackVideoComplete(videoID string, metadata map[string]any) {
	t.Track(EventVideoComplete, videoID, metadata)
}

func (t *Tracker) TrackQuizStart(quizID string, metadata map[string]any) {
	t.Track(EventQuizStart, quizID, metadata)
}

// TrackQuizAnswer records an answer to questionID; the question id travels in
// the event metadata under "questionId".
func (t *Tracker) TrackQuizAnswer(quizID, questionID string, metadata map[string]any) {
	merged := make(map[string]any, len(metadata)+1)
	maps.Copy(merged, metadata)
	merged["questionId"] = questionID
	t.Track(EventQuizAnswer, quizID, merged)
}

func (t *Tracker) TrackQuizComplete(quizID string, metadata map[string]any) {
	t.Track(EventQuizComplete, quizID, metadata)
}

// TrackContentView records a content view. Content is keyed numerically
// downstream, so the id is reduced to its leading integer ("lesson-7" and
// "" both become "0", "12abc" becomes "12").
func (t *Tracker) TrackContentView(contentID string, metadata map[string]any) {
	t.Track(EventContentView, strconv.FormatInt(leadingInt(contentID), 10), metadata)
}

// leadingInt parses an optional sign followed by decimal digits at the start
// of s, ignoring leading whitespace. It returns 0 when there are no digits or
// the value does not fit in an int64. Browser parseInt would instead keep
// an oversized value as a float, so ids past 9223372036854775807 map to 0
// here rather than to a rounded number.
func leadingInt(s string) int64 {
	s = strings.TrimLeft(s, " \t\n\r")

	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0
	}

	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
