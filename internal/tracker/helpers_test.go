package tracker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.UnixMilli(1_700_000_000_000)

// recordingSink records every event it is handed. fail, when set, decides
// the result per event; gate, when set, blocks each send until closed.
type recordingSink struct {
	mu    sync.Mutex
	calls []Event
	fail  func(Event) error
	gate  chan struct{}
}

func (s *recordingSink) SendEvent(ctx context.Context, e Event) error {
	if s.gate != nil {
		<-s.gate
	}

	s.mu.Lock()
	s.calls = append(s.calls, e)
	fail := s.fail
	s.mu.Unlock()

	if fail != nil {
		return fail(e)
	}
	return nil
}

func (s *recordingSink) Calls() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.calls...)
}

func (s *recordingSink) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *recordingSink) SetFail(fn func(Event) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

func failAll(Event) error { return fmt.Errorf("collector unavailable") }

// manualScheduler fires tasks only when Advance moves its clock.
type manualScheduler struct {
	mu      sync.Mutex
	now     time.Duration
	tasks   []*manualTask
	started int
}

type manualTask struct {
	every   time.Duration
	next    time.Duration
	fn      func()
	stopped bool
}

func (s *manualScheduler) Every(d time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := &manualTask{every: d, next: s.now + d, fn: fn}
	s.tasks = append(s.tasks, task)
	s.started++

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		task.stopped = true
	}
}

// Advance moves the clock forward by d, running due tasks in order.
func (s *manualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()

	for {
		s.mu.Lock()
		var due *manualTask
		for _, task := range s.tasks {
			if task.stopped || task.next > target {
				continue
			}
			if due == nil || task.next < due.next {
				due = task
			}
		}
		if due == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		s.now = due.next
		due.next += due.every
		fn := due.fn
		s.mu.Unlock()

		fn()
	}
}

// Running returns the intervals of the tasks that have not been stopped.
func (s *manualScheduler) Running() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []time.Duration
	for _, task := range s.tasks {
		if !task.stopped {
			out = append(out, task.every)
		}
	}
	return out
}

func (s *manualScheduler) Started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

type testTracker struct {
	*Tracker
	sink      *recordingSink
	scheduler *manualScheduler

	mu        sync.Mutex
	delivered []Event
}

func (tt *testTracker) Delivered() []Event {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return append([]Event(nil), tt.delivered...)
}

func newTestTracker(t *testing.T, sink *recordingSink, cfg Config) *testTracker {
	t.Helper()

	if sink == nil {
		sink = &recordingSink{}
	}
	tt := &testTracker{sink: sink, scheduler: &manualScheduler{}}

	var seq atomic.Int64
	var tick atomic.Int64

	tr, err := New(sink,
		WithConfig(cfg),
		WithScheduler(tt.scheduler),
		WithLogger(zerolog.Nop()),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }),
		WithClock(func() time.Time { return testEpoch.Add(time.Duration(tick.Add(1)) * time.Millisecond) }),
		WithDeliveryHook(func(events []Event) {
			tt.mu.Lock()
			defer tt.mu.Unlock()
			tt.delivered = append(tt.delivered, events...)
		}),
	)
	require.NoError(t, err)
	tt.Tracker = tr

	t.Cleanup(func() {
		if sink.gate != nil {
			select {
			case <-sink.gate:
			default:
				close(sink.gate)
			}
		}
		tr.Close(context.Background())
	})
	return tt
}

func testConfig(batchSize int, interval time.Duration) Config {
	return Config{BatchSize: batchSize, FlushInterval: interval}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}
