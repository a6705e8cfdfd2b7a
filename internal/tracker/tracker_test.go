package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidates(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, ErrNilSink)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero batch size", Config{BatchSize: 0, FlushInterval: time.Second}},
		{"zero interval", Config{BatchSize: 1}},
		{"negative cap", Config{BatchSize: 1, FlushInterval: time.Second, MaxFailed: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&recordingSink{}, WithConfig(tt.cfg))
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	tr, err := New(&recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), tr.Snapshot().Config)
	assert.False(t, tr.Session().Active())
}

func TestStartSession(t *testing.T) {
	tt := newTestTracker(t, nil, testConfig(10, time.Minute))

	tt.StartSession("u1")

	s := tt.Session()
	require.True(t, s.Active())
	assert.Equal(t, "u1", s.UserID())
	assert.Equal(t, testEpoch.Add(time.Millisecond).UnixMilli(), s.Metadata["startedAt"])
	assert.True(t, tt.Stats().TrackingEnabled)
	assert.Equal(t, []time.Duration{time.Minute}, tt.scheduler.Running())

	first := s.ID
	tt.StartSession("u2")

	s = tt.Session()
	assert.NotEqual(t, first, s.ID)
	assert.Equal(t, "u2", s.UserID())
	assert.Equal(t, 2, tt.scheduler.Started(), "a new session restarts the timer")
	assert.Len(t, tt.scheduler.Running(), 1)
}

func TestStartSessionWithEmptyIdentityEndsSession(t *testing.T) {
	tt := newTestTracker(t, nil, testConfig(10, time.Minute))

	tt.StartSession("u1")
	tt.StartSession("")

	assert.False(t, tt.Session().Active())
	assert.False(t, tt.Stats().TrackingEnabled)
	assert.Empty(t, tt.scheduler.Running())
}

func TestTrackStampsEvent(t *testing.T) {
	tt := newTestTracker(t, nil, testConfig(10, time.Minute))
	tt.StartSession("u1")
	session := tt.Session()

	meta := map[string]any{"position": 12.5, "userId": "spoofed"}
	tt.Track("lesson_bookmark", "lesson-9", meta)

	snap := tt.Snapshot()
	require.Len(t, snap.Pending, 1)

	e := snap.Pending[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, EventType("lesson_bookmark"), e.Type)
	assert.Equal(t, "lesson-9", e.ContentID)
	assert.Equal(t, session.ID, e.SessionID)
	assert.Equal(t, e.Timestamp, e.Metadata["timestamp"])
	assert.Equal(t, "u1", e.Metadata["userId"], "injected userId wins over caller metadata")
	assert.Equal(t, "u1", e.UserID())
	assert.Equal(t, 12.5, e.Metadata["position"])
	assert.False(t, e.Persisted)

	assert.Equal(t, "spoofed", meta["userId"], "caller metadata is not mutated")
	assert.NotContains(t, meta, "timestamp")
}

func TestTrackAdmissionGating(t *testing.T) {
	tt := newTestTracker(t, nil, testConfig(10, time.Minute))

	tt.TrackVideoPlay("1", nil)
	assert.Equal(t, 0, tt.PendingCount(), "no session")

	tt.StartSession("u1")
	tt.SetTrackingEnabled(false)
	tt.TrackQuizStart("q1", nil)
	assert.Equal(t, 0, tt.PendingCount(), "tracking disabled")
	assert.Empty(t, tt.scheduler.Running(), "timer stops with tracking")

	tt.SetTrackingEnabled(true)
	tt.TrackQuizStart("q1", nil)
	assert.Equal(t, 1, tt.PendingCount())
	assert.Len(t, tt.scheduler.Running(), 1)

	tt.EndSession()
	tt.TrackQuizComplete("q1", nil)
	tt.TrackContentView("7", nil)
	assert.Equal(t, 1, tt.PendingCount(), "session ended")
}

func TestLearningJourney(t *testing.T) {
	sink := &recordingSink{}
	tt := newTestTracker(t, sink, testConfig(2, time.Minute))
	tt.StartSession("u1")

	tt.TrackVideoPlay("42", map[string]any{"foo": 1})
	assert.Equal(t, 1, tt.PendingCount())

	tt.TrackVideoPlay("42", map[string]any{"foo": 2})
	eventually(t, func() bool { return len(tt.Delivered()) == 2 }, "size trigger delivers the batch")

	stats := tt.Stats()
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Processing)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 2, stats.Delivered)

	calls := sink.Calls()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, EventVideoPlay, c.Type)
		assert.Equal(t, "42", c.ContentID)
		assert.Equal(t, "u1", c.UserID())
	}
	for _, d := range tt.Delivered() {
		assert.True(t, d.Persisted)
	}

	sink.SetFail(failAll)
	tt.TrackVideoPlay("42", map[string]any{"foo": 3})
	tt.TrackVideoPlay("42", map[string]any{"foo": 4})
	eventually(t, func() bool { return tt.Stats().Failed == 2 }, "rejected batch lands in failed")

	stats = tt.Stats()
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Processing)
	assert.Equal(t, 2, stats.Delivered)
	assert.Equal(t, 4, sink.CallCount())
}

func TestSizeTrigger(t *testing.T) {
	sink := &recordingSink{}
	tt := newTestTracker(t, sink, testConfig(3, time.Hour))
	tt.StartSession("u1")

	tt.TrackVideoPlay("1", nil)
	tt.TrackVideoPause("1", nil)
	assert.Equal(t, 0, sink.CallCount())

	tt.TrackVideoComplete("1", nil)
	eventually(t, func() bool { return sink.CallCount() == 3 }, "third event triggers a flush")
	eventually(t, func() bool { return tt.TotalCount() == 0 }, "batch cleared")
}

func TestTimeTrigger(t *testing.T) {
	sink := &recordingSink{}
	tt := newTestTracker(t, sink, testConfig(10, time.Second))
	tt.StartSession("u1")

	tt.TrackContentView("12", nil)

	tt.scheduler.Advance(999 * time.Millisecond)
	assert.Equal(t, 0, sink.CallCount())
	assert.Equal(t, 1, tt.PendingCount())

	tt.scheduler.Advance(time.Millisecond)
	assert.Equal(t, 1, sink.CallCount())
	assert.Equal(t, 0, tt.PendingCount())
	assert.Equal(t, 1, tt.Stats().Delivered)

	// Ticks with nothing pending do nothing.
	tt.scheduler.Advance(5 * time.Second)
	assert.Equal(t, 1, sink.CallCount())
}

func TestBatchFailureIsolation(t *testing.T) {
	sink := &recordingSink{fail: func(e Event) error {
		if e.ContentID == "bad" {
			return errors.New("500 from collector")
		}
		return nil
	}}
	tt := newTestTracker(t, sink, testConfig(10, time.Minute))
	tt.StartSession("u1")

	tt.TrackVideoPlay("good-1", nil)
	tt.TrackVideoPlay("bad", nil)
	tt.TrackVideoPlay("good-2", nil)

	require.NotPanics(t, func() { tt.Flush(context.Background()) })

	assert.Equal(t, 3, sink.CallCount(), "every event is attempted")
	stats := tt.Stats()
	assert.Equal(t, 3, stats.Failed, "the whole batch fails together")
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Processing)
	assert.Equal(t, 0, stats.Delivered)

	tt.TrackQuizStart("q1", nil)
	assert.Equal(t, 1, tt.PendingCount(), "admission continues after a failed flush")
	assert.Equal(t, 4, tt.TotalCount())
}

func TestSinkPanicIsContained(t *testing.T) {
	sink := &recordingSink{fail: func(Event) error { panic("nil map write") }}
	tt := newTestTracker(t, sink, testConfig(10, time.Minute))
	tt.StartSession("u1")
	tt.TrackVideoPlay("1", nil)

	require.NotPanics(t, func() { tt.Flush(context.Background()) })
	assert.Equal(t, 1, tt.Stats().Failed)
}

func TestFlushWithNothingPending(t *testing.T) {
	sink := &recordingSink{}
	tt := newTestTracker(t, sink, testConfig(10, time.Minute))
	tt.StartSession("u1")

	before := tt.Snapshot()
	tt.Flush(context.Background())
	tt.Flush(context.Background())

	assert.Equal(t, before, tt.Snapshot())
	assert.Equal(t, 0, sink.CallCount())
}

func TestEndSessionHaltsFlow(t *testing.T) {
	sink := &recordingSink{}
	tt := newTestTracker(t, sink, testConfig(10, time.Second))
	tt.StartSession("u1")
	tt.TrackVideoPlay("1", nil)

	tt.EndSession()
	assert.Empty(t, tt.scheduler.Running())
	assert.Equal(t, 1, tt.PendingCount(), "queued events are kept")

	tt.TrackVideoPlay("2", nil)
	tt.scheduler.Advance(10 * time.Second)

	assert.Equal(t, 1, tt.PendingCount())
	assert.Equal(t, 0, sink.CallCount(), "no timer flush after teardown")

	tt.StartSession("u2")
	tt.scheduler.Advance(time.Second)
	assert.Equal(t, 1, sink.CallCount(), "timer comes back with the next session")
}

func TestEndSessionDoesNotCancelInFlightFlush(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	tt := newTestTracker(t, sink, testConfig(10, time.Minute))
	tt.StartSession("u1")
	tt.TrackVideoPlay("1", nil)

	done := make(chan struct{})
	go func() {
		tt.Flush(context.Background())
		close(done)
	}()
	eventually(t, func() bool { return tt.Stats().Processing == 1 }, "flush in flight")

	tt.EndSession()
	close(sink.gate)
	<-done

	assert.Equal(t, 1, tt.Stats().Delivered)
	assert.Equal(t, 0, tt.TotalCount())
}

func TestFlushesAreSerialized(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	tt := newTestTracker(t, sink, testConfig(10, time.Minute))
	tt.StartSession("u1")

	tt.TrackVideoPlay("1", nil)
	tt.TrackVideoPlay("2", nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tt.Flush(context.Background())
	}()
	eventually(t, func() bool { return tt.Stats().Processing == 2 }, "first batch in flight")

	tt.TrackVideoPlay("3", nil)
	wg.Add(1)
	go func() {
		defer wg.Done()
		tt.Flush(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	stats := tt.Stats()
	assert.Equal(t, 2, stats.Processing, "second flush waits for the first")
	assert.Equal(t, 1, stats.Pending)

	close(sink.gate)
	wg.Wait()

	assert.Equal(t, 3, tt.Stats().Delivered)
	assert.Equal(t, 0, tt.TotalCount())
}

func TestNoLossOrDuplication(t *testing.T) {
	var attempt int
	var mu sync.Mutex
	sink := &recordingSink{fail: func(e Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempt++
		if attempt%7 == 0 {
			return fmt.Errorf("flaky network on attempt %d", attempt)
		}
		return nil
	}}
	tt := newTestTracker(t, sink, testConfig(4, time.Second))
	tt.StartSession("u1")

	var created int
	for i := range 50 {
		tt.TrackQuizAnswer("quiz-1", fmt.Sprintf("q%d", i), map[string]any{"correct": i%2 == 0})
		created++
		if i%5 == 0 {
			tt.scheduler.Advance(time.Second)
		}
		if i%11 == 0 {
			tt.Flush(context.Background())
		}
	}
	tt.Flush(context.Background())
	tt.Close(context.Background())

	snap := tt.Snapshot()
	seen := map[string]int{}
	for _, e := range snap.Pending {
		seen[e.ID]++
	}
	for _, e := range snap.Processing {
		seen[e.ID]++
	}
	for _, e := range snap.Failed {
		seen[e.ID]++
	}
	for _, e := range tt.Delivered() {
		seen[e.ID]++
	}

	assert.Len(t, seen, created)
	for id, n := range seen {
		assert.Equal(t, 1, n, "event %s accounted for %d times", id, n)
	}
	assert.Empty(t, snap.Processing)
	assert.Equal(t, created, snap.Delivered+len(snap.Failed)+len(snap.Pending))
}

func TestConcurrentProducers(t *testing.T) {
	sink := &recordingSink{}
	tt := newTestTracker(t, sink, testConfig(5, time.Second))
	tt.StartSession("u1")

	const producers, perProducer = 8, 25
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				tt.TrackVideoPlay(fmt.Sprintf("%d-%d", p, i), nil)
			}
		}()
	}
	wg.Wait()
	tt.Close(context.Background())

	stats := tt.Stats()
	assert.Equal(t, producers*perProducer, stats.Delivered)
	assert.Equal(t, producers*perProducer, sink.CallCount())
	assert.Equal(t, 0, tt.TotalCount())
}

func TestRetryFailed(t *testing.T) {
	sink := &recordingSink{fail: failAll}
	tt := newTestTracker(t, sink, testConfig(10, time.Minute))
	tt.StartSession("u1")

	tt.TrackVideoPlay("1", nil)
	tt.TrackVideoPlay("2", nil)
	tt.Flush(context.Background())
	require.Len(t, tt.Failed(), 2)

	tt.RetryFailed(context.Background())
	assert.Len(t, tt.Failed(), 2, "still failing")
	assert.Equal(t, 4, sink.CallCount())

	sink.SetFail(nil)
	tt.RetryFailed(context.Background())
	assert.Empty(t, tt.Failed())
	assert.Equal(t, 2, tt.Stats().Delivered)

	tt.RetryFailed(context.Background())
	assert.Equal(t, 6, sink.CallCount(), "nothing to retry")
}

func TestMaxFailedEvictsOldest(t *testing.T) {
	sink := &recordingSink{fail: failAll}
	tt := newTestTracker(t, sink, Config{BatchSize: 10, FlushInterval: time.Minute, MaxFailed: 2})
	tt.StartSession("u1")

	tt.TrackVideoPlay("first", nil)
	tt.Flush(context.Background())
	tt.TrackVideoPlay("second", nil)
	tt.TrackVideoPlay("third", nil)
	tt.Flush(context.Background())

	failed := tt.Failed()
	require.Len(t, failed, 2)
	assert.Equal(t, "second", failed[0].ContentID)
	assert.Equal(t, "third", failed[1].ContentID)
	assert.Equal(t, 1, tt.Stats().Dropped)
}

func TestUpdateConfigLiftsFailedCap(t *testing.T) {
	sink := &recordingSink{fail: failAll}
	tt := newTestTracker(t, sink, Config{BatchSize: 10, FlushInterval: time.Minute, MaxFailed: 1})
	tt.StartSession("u1")

	tt.UpdateConfig(Config{MaxFailed: -1})
	assert.Equal(t, 0, tt.Snapshot().Config.MaxFailed)

	tt.TrackVideoPlay("1", nil)
	tt.TrackVideoPlay("2", nil)
	tt.Flush(context.Background())

	assert.Len(t, tt.Failed(), 2)
	assert.Zero(t, tt.Stats().Dropped)
}

func TestUpdateConfig(t *testing.T) {
	sink := &recordingSink{}
	tt := newTestTracker(t, sink, testConfig(10, time.Minute))
	tt.StartSession("u1")

	tt.TrackVideoPlay("1", nil)
	tt.TrackVideoPlay("2", nil)

	tt.UpdateConfig(Config{FlushInterval: 5 * time.Second})
	assert.Equal(t, []time.Duration{5 * time.Second}, tt.scheduler.Running())
	assert.Equal(t, 10, tt.Snapshot().Config.BatchSize, "zero fields keep their value")

	tt.UpdateConfig(Config{BatchSize: 2})
	eventually(t, func() bool { return sink.CallCount() == 2 }, "lowering the batch size flushes a full queue")
}

func TestCloseFlushesAndStops(t *testing.T) {
	sink := &recordingSink{}
	tt := newTestTracker(t, sink, testConfig(10, time.Minute))
	tt.StartSession("u1")
	tt.TrackVideoPlay("1", nil)

	tt.Close(context.Background())

	assert.Equal(t, 1, sink.CallCount())
	assert.Empty(t, tt.scheduler.Running())

	tt.StartSession("u2")
	tt.TrackVideoPlay("2", nil)
	assert.False(t, tt.Session().Active())
	assert.Equal(t, 0, tt.PendingCount())

	tt.Close(context.Background())
}
