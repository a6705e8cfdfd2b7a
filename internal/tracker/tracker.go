package tracker

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Tracker buffers learner interaction events and delivers them to a Sink in
// batches, on a size trigger or a periodic timer.
//
// All state changes go through Reduce while holding mu. Flushes are
// serialized by flushMu so Processing only ever holds one batch.
type Tracker struct {
	sink        Sink
	scheduler   Scheduler
	logger      zerolog.Logger
	now         func() time.Time
	newID       func() string
	onDelivered func([]Event)

	mu         sync.Mutex
	state      State
	stopTimer  func()
	timerEvery time.Duration
	closed     bool

	flushMu     sync.Mutex
	flushQueued atomic.Bool
	wg          sync.WaitGroup
}

type Option func(*Tracker)

// WithConfig sets the batching policy.
func WithConfig(cfg Config) Option {
	return func(t *Tracker) { t.state.Config = cfg }
}

// WithScheduler replaces the time.Ticker based interval timer.
func WithScheduler(s Scheduler) Option {
	return func(t *Tracker) { t.scheduler = s }
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(t *Tracker) { t.newID = fn }
}

// WithDeliveryHook registers fn to receive every successfully delivered
// batch, with Persisted set on each event.
func WithDeliveryHook(fn func([]Event)) Option {
	return func(t *Tracker) { t.onDelivered = fn }
}

// New creates a tracker with no active session.
func New(sink Sink, opts ...Option) (*Tracker, error) {
	if sink == nil {
		return nil, ErrNilSink
	}

	t := &Tracker{
		sink:      sink,
		scheduler: TickerScheduler{},
		logger:    log.With().Str("component", "tracker").Logger(),
		now:       time.Now,
		newID:     uuid.NewString,
		state:     State{Config: DefaultConfig()},
	}
	for _, opt := range opts {
		opt(t)
	}

	cfg := t.state.Config
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: batch size %d, flush interval %s, max failed %d",
			err, cfg.BatchSize, cfg.FlushInterval, cfg.MaxFailed)
	}

	return t, nil
}

// dispatch applies a. Callers hold mu.
func (t *Tracker) dispatch(a Action) {
	t.state = Reduce(t.state, a)
}

// StartSession begins a new session for userID and enables tracking. Calling
// it again replaces the session; an empty userID ends the session instead.
func (t *Tracker) StartSession(userID string) {
	if userID == "" {
		t.EndSession()
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		t.logger.Warn().Str("user_id", userID).Msg("Ignoring session start on closed tracker")
		return
	}

	session := Session{
		ID: t.newID(),
		Metadata: map[string]any{
			"userId":    userID,
			"startedAt": t.now().UnixMilli(),
		},
	}
	t.dispatch(SetSession{Session: session})
	t.dispatch(SetTrackingEnabled{Enabled: true})

	// A new session restarts the interval from zero.
	t.stopTimerLocked()
	t.syncTimerLocked()

	t.logger.Info().
		Str("session_id", session.ID).
		Str("user_id", userID).
		Msg("Session started")
}

// EndSession clears the session and disables tracking. Queued events are
// kept and an in-flight flush is not interrupted.
func (t *Tracker) EndSession() {
	t.mu.Lock()
	defer t.mu.Unlock()

	previous := t.state.Session
	t.dispatch(SetSession{Session: Session{}})
	t.dispatch(SetTrackingEnabled{Enabled: false})
	t.syncTimerLocked()

	if previous.Active() {
		t.logger.Info().
			Str("session_id", previous.ID).
			Int("pending", len(t.state.Pending)).
			Msg("Session ended")
	}
}

// SetTrackingEnabled toggles admission without touching the session.
func (t *Tracker) SetTrackingEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed && enabled {
		return
	}
	t.dispatch(SetTrackingEnabled{Enabled: enabled})
	t.syncTimerLocked()
}

// UpdateConfig overrides every positive field of cfg. A negative MaxFailed
// lifts the failed-bucket cap.
func (t *Tracker) UpdateConfig(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dispatch(UpdateConfig{Config: cfg})
	t.syncTimerLocked()

	if t.admitting() && len(t.state.Pending) >= t.state.Config.BatchSize {
		t.scheduleFlushLocked()
	}
}

// Track records an interaction. It never blocks on delivery and silently
// drops the event when no session is active or tracking is disabled.
func (t *Tracker) Track(eventType EventType, contentID string, metadata map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.admitting() {
		return
	}

	now := t.now().UnixMilli()
	merged := make(map[string]any, len(metadata)+2)
	maps.Copy(merged, metadata)
	merged["timestamp"] = now
	merged["userId"] = t.state.Session.UserID()

	t.dispatch(AddEvent{Event: Event{
		ID:        t.newID(),
		Type:      eventType,
		ContentID: contentID,
		SessionID: t.state.Session.ID,
		Timestamp: now,
		Metadata:  merged,
	}})

	if len(t.state.Pending) >= t.state.Config.BatchSize {
		t.scheduleFlushLocked()
	}
}

// Flush delivers everything pending. Each event is sent concurrently; if any
// send fails the whole batch is moved to the failed bucket. Flush never
// returns an error and is a no-op when nothing is pending.
func (t *Tracker) Flush(ctx context.Context) {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.flush(ctx)
}

// RetryFailed redelivers the failed bucket with the same batch policy as
// Flush.
func (t *Tracker) RetryFailed(ctx context.Context) {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	if len(t.state.Failed) == 0 {
		t.mu.Unlock()
		return
	}
	t.dispatch(Redeliver{Events: t.state.Failed})
	batch := t.state.Processing
	t.mu.Unlock()

	t.logger.Info().Int("count", len(batch)).Msg("Retrying failed events")
	t.deliver(ctx, batch)
}

// Close ends the session, stops the timer, waits for background flushes and
// flushes whatever is still pending. The tracker cannot be restarted.
func (t *Tracker) Close(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.dispatch(SetSession{Session: Session{}})
	t.dispatch(SetTrackingEnabled{Enabled: false})
	t.syncTimerLocked()
	t.mu.Unlock()

	t.wg.Wait()
	t.Flush(ctx)

	stats := t.Stats()
	t.logger.Info().
		Int("delivered", stats.Delivered).
		Int("failed", stats.Failed).
		Int("dropped", stats.Dropped).
		Msg("Tracker closed")
}

// flush runs with flushMu held.
func (t *Tracker) flush(ctx context.Context) {
	t.mu.Lock()
	if len(t.state.Pending) == 0 {
		t.mu.Unlock()
		return
	}
	t.dispatch(SetProcessing{Events: t.state.Pending})
	batch := t.state.Processing
	t.mu.Unlock()

	t.deliver(ctx, batch)
}

func (t *Tracker) deliver(ctx context.Context, batch []Event) {
	start := time.Now()
	err := t.send(ctx, batch)

	t.mu.Lock()
	if err != nil {
		dropped := t.state.Dropped
		t.dispatch(SetFailed{Events: batch})
		failed := len(t.state.Failed)
		evicted := t.state.Dropped - dropped
		t.mu.Unlock()

		t.logger.Error().
			Err(err).
			Int("count", len(batch)).
			Int("failed", failed).
			Msg("Failed to deliver events")
		if evicted > 0 {
			t.logger.Warn().Int("evicted", evicted).Msg("Failed bucket full, dropped oldest events")
		}
		return
	}

	ids := make([]string, len(batch))
	for i, e := range batch {
		ids[i] = e.ID
	}
	t.dispatch(SetPersisted{IDs: ids})
	t.mu.Unlock()

	t.logger.Debug().
		Int("count", len(batch)).
		Dur("duration", time.Since(start)).
		Msg("Flushed events")

	if t.onDelivered != nil {
		delivered := cloneEvents(batch)
		for i := range delivered {
			delivered[i].Persisted = true
		}
		t.onDelivered(delivered)
	}
}

func (t *Tracker) send(ctx context.Context, batch []Event) error {
	var g errgroup.Group
	for _, e := range batch {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("sink panic on event %s: %v", e.ID, r)
				}
			}()
			return t.sink.SendEvent(ctx, e)
		})
	}
	return g.Wait()
}

// scheduleFlushLocked starts a background flush unless one is already
// waiting for flushMu. Callers hold mu.
func (t *Tracker) scheduleFlushLocked() {
	if t.closed || !t.flushQueued.CompareAndSwap(false, true) {
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		t.flushMu.Lock()
		defer t.flushMu.Unlock()

		t.flushQueued.Store(false)
		t.flush(context.Background())
	}()
}

func (t *Tracker) onTick() {
	t.mu.Lock()
	ready := t.admitting() && len(t.state.Pending) > 0
	t.mu.Unlock()

	if ready {
		t.Flush(context.Background())
	}
}

// syncTimerLocked runs the interval timer only while a session is active and
// tracking is enabled. Callers hold mu.
func (t *Tracker) syncTimerLocked() {
	want := t.admitting()
	interval := t.state.Config.FlushInterval

	if t.stopTimer != nil && (!want || t.timerEvery != interval) {
		t.stopTimerLocked()
	}
	if want && t.stopTimer == nil {
		t.stopTimer = t.scheduler.Every(interval, t.onTick)
		t.timerEvery = interval
	}
}

func (t *Tracker) stopTimerLocked() {
	if t.stopTimer != nil {
		t.stopTimer()
		t.stopTimer = nil
	}
}

func (t *Tracker) admitting() bool {
	return !t.closed && t.state.Session.Active() && t.state.TrackingEnabled
}

// Stats is a point-in-time view of a tracker.
type Stats struct {
	SessionID       string `json:"session_id,omitempty"`
	TrackingEnabled bool   `json:"tracking_enabled"`
	Pending         int    `json:"pending"`
	Processing      int    `json:"processing"`
	Failed          int    `json:"failed"`
	Delivered       int    `json:"delivered"`
	Dropped         int    `json:"dropped"`
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Stats{
		SessionID:       t.state.Session.ID,
		TrackingEnabled: t.state.TrackingEnabled,
		Pending:         len(t.state.Pending),
		Processing:      len(t.state.Processing),
		Failed:          len(t.state.Failed),
		Delivered:       t.state.Delivered,
		Dropped:         t.state.Dropped,
	}
}

// PendingCount is the number of events waiting for the next flush.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.state.Pending)
}

// TotalCount is the number of events held in any queue.
func (t *Tracker) TotalCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.state.Pending) + len(t.state.Processing) + len(t.state.Failed)
}

// Session returns the current session; the zero Session when none is active.
func (t *Tracker) Session() Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state.Session
	s.Metadata = maps.Clone(s.Metadata)
	return s
}

// Failed returns a copy of the events whose delivery failed.
func (t *Tracker) Failed() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneEvents(t.state.Failed)
}

// Snapshot returns a deep copy of the full tracker state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state
	s.Session.Metadata = maps.Clone(s.Session.Metadata)
	s.Pending = cloneEvents(s.Pending)
	s.Processing = cloneEvents(s.Processing)
	s.Failed = cloneEvents(s.Failed)
	return s
}
