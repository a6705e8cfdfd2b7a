package tracker

import (
	"slices"
	"time"
)

// Config is the batching policy. MaxFailed caps the failed bucket; zero
// leaves it unbounded.
type Config struct {
	BatchSize     int           `json:"batchSize"`
	FlushInterval time.Duration `json:"flushInterval"`
	MaxFailed     int           `json:"maxFailed"`
}

// DefaultConfig returns the policy a tracker uses when none is given.
func DefaultConfig() Config {
	return Config{
		BatchSize:     10,
		FlushInterval: 30 * time.Second,
		MaxFailed:     1000,
	}
}

func (c Config) validate() error {
	if c.BatchSize <= 0 || c.FlushInterval <= 0 || c.MaxFailed < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// State is everything a tracker owns. Every event lives in exactly one of
// Pending, Processing or Failed until it is delivered.
type State struct {
	Session         Session
	TrackingEnabled bool
	Config          Config

	Pending    []Event
	Processing []Event
	Failed     []Event

	// Delivered counts events removed from Processing after a successful
	// flush; Dropped counts failed events evicted by Config.MaxFailed.
	Delivered int
	Dropped   int
}

// Action is one transition of the tracker state machine.
type Action interface {
	action()
}

// AddEvent appends a freshly created event to Pending.
type AddEvent struct{ Event Event }

// SetProcessing moves Events out of Pending and appends them to Processing.
type SetProcessing struct{ Events []Event }

// Redeliver moves Events out of Failed and appends them to Processing.
type Redeliver struct{ Events []Event }

// SetPersisted removes delivered events from Processing.
type SetPersisted struct{ IDs []string }

// SetFailed moves Events out of Processing into Failed.
type SetFailed struct{ Events []Event }

// SetSession replaces the current session.
type SetSession struct{ Session Session }

// SetTrackingEnabled toggles the admission gate.
type SetTrackingEnabled struct{ Enabled bool }

// UpdateConfig overrides every positive field of Config. A negative
// MaxFailed removes the failed-bucket cap; zero keeps the current one.
type UpdateConfig struct{ Config Config }

func (AddEvent) action()           {}
func (SetProcessing) action()      {}
func (Redeliver) action()          {}
func (SetPersisted) action()       {}
func (SetFailed) action()          {}
func (SetSession) action()         {}
func (SetTrackingEnabled) action() {}
func (UpdateConfig) action()       {}

// Reduce applies a to s and returns the next state. It never mutates the
// slices held by s, so callers may keep handing out the old ones.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case AddEvent:
		s.Pending = appendEvents(s.Pending, a.Event)

	case SetProcessing:
		ids := idSet(a.Events)
		s.Pending = without(s.Pending, ids)
		s.Processing = appendEvents(s.Processing, a.Events...)

	case Redeliver:
		ids := idSet(a.Events)
		s.Failed = without(s.Failed, ids)
		s.Processing = appendEvents(s.Processing, a.Events...)

	case SetPersisted:
		ids := make(map[string]struct{}, len(a.IDs))
		for _, id := range a.IDs {
			ids[id] = struct{}{}
		}
		before := len(s.Processing)
		s.Processing = without(s.Processing, ids)
		s.Delivered += before - len(s.Processing)

	case SetFailed:
		ids := idSet(a.Events)
		s.Processing = without(s.Processing, ids)
		s.Failed = appendEvents(s.Failed, a.Events...)
		if limit := s.Config.MaxFailed; limit > 0 && len(s.Failed) > limit {
			evict := len(s.Failed) - limit
			s.Failed = slices.Clone(s.Failed[evict:])
			s.Dropped += evict
		}

	case SetSession:
		s.Session = a.Session

	case SetTrackingEnabled:
		s.TrackingEnabled = a.Enabled

	case UpdateConfig:
		if a.Config.BatchSize > 0 {
			s.Config.BatchSize = a.Config.BatchSize
		}
		if a.Config.FlushInterval > 0 {
			s.Config.FlushInterval = a.Config.FlushInterval
		}
		switch {
		case a.Config.MaxFailed > 0:
			s.Config.MaxFailed = a.Config.MaxFailed
		case a.Config.MaxFailed < 0:
			s.Config.MaxFailed = 0
		}
	}

	return s
}

func appendEvents(dst []Event, events ...Event) []Event {
	out := make([]Event, 0, len(dst)+len(events))
	out = append(out, dst...)
	return append(out, events...)
}

func idSet(events []Event) map[string]struct{} {
	ids := make(map[string]struct{}, len(events))
	for _, e := range events {
		ids[e.ID] = struct{}{}
	}
	return ids
}

func without(events []Event, ids map[string]struct{}) []Event {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if _, ok := ids[e.ID]; !ok {
			out = append(out, e)
		}
	}
	return out
}
