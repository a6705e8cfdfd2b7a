package processor

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/tracker/internal/config"
	"github.com/gosight/gosight/tracker/internal/enricher"
	"github.com/gosight/gosight/tracker/internal/storage"
	"github.com/gosight/gosight/tracker/internal/tracker"
)

// insertTimeout bounds a single ClickHouse batch insert.
const insertTimeout = 30 * time.Second

type rowInserter interface {
	InsertEvents(ctx context.Context, events []storage.EventRow) error
}

// EventProcessor buffers enriched events from the collector topic and
// writes them to ClickHouse in batches. When a session recorder is set,
// every event also updates its session summary.
type EventProcessor struct {
	store     rowInserter
	sessions  tracker.Sink
	batchSize int

	mu     sync.Mutex
	buffer []storage.EventRow

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewEventProcessor(store rowInserter, sessions tracker.Sink, cfg config.PersisterConfig) *EventProcessor {
	p := &EventProcessor{
		store:     store,
		sessions:  sessions,
		batchSize: cfg.BatchSize,
		buffer:    make([]storage.EventRow, 0, cfg.BatchSize),
		ticker:    time.NewTicker(cfg.FlushInterval),
		done:      make(chan struct{}),
	}

	p.wg.Add(1)
	go p.flushLoop()

	return p
}

// Process queues one event. It only fails when the event cannot be stored
// at all; session summary errors are logged. The message is committed once
// Process returns, so neither write is tied to ctx cancellation.
func (p *EventProcessor) Process(ctx context.Context, e *enricher.EnrichedEvent) error {
	row, err := toEventRow(e)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.buffer = append(p.buffer, row)
	shouldFlush := len(p.buffer) >= p.batchSize
	p.mu.Unlock()

	if p.sessions != nil {
		if err := p.sessions.SendEvent(context.WithoutCancel(ctx), toTrackerEvent(e)); err != nil {
			log.Warn().Err(err).Str("session_id", e.SessionID).Msg("Failed to update session stats")
		}
	}

	if shouldFlush {
		p.Flush()
	}
	return nil
}

func (p *EventProcessor) flushLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			p.Flush()
		}
	}
}

// Flush writes the buffered rows. A failed insert drops the batch.
func (p *EventProcessor) Flush() {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	events := p.buffer
	p.buffer = make([]storage.EventRow, 0, p.batchSize)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	start := time.Now()
	if err := p.store.InsertEvents(ctx, events); err != nil {
		log.Error().Err(err).Int("count", len(events)).Msg("Failed to insert events")
		return
	}
	log.Info().
		Int("count", len(events)).
		Dur("duration", time.Since(start)).
		Msg("Flushed events to ClickHouse")
}

// Stop halts the flush loop and writes whatever is still buffered.
func (p *EventProcessor) Stop() {
	p.ticker.Stop()
	close(p.done)
	p.wg.Wait()
	p.Flush()
}

func toEventRow(e *enricher.EnrichedEvent) (storage.EventRow, error) {
	row := storage.EventRow{
		EventID:    e.EventID,
		ProjectID:  e.ProjectID,
		SessionID:  e.SessionID,
		UserID:     e.UserID,
		EventType:  e.EventType,
		ContentID:  e.ContentID,
		Timestamp:  time.UnixMilli(e.Timestamp),
		Browser:    e.Browser,
		OS:         e.OS,
		DeviceType: e.DeviceType,
		Country:    e.Country,
		City:       e.City,
	}
	metadata, err := storage.EncodeMetadata(e.Metadata)
	if err != nil {
		return storage.EventRow{}, fmt.Errorf("event %s: %w", e.EventID, err)
	}
	row.Metadata = metadata
	return row, nil
}

func toTrackerEvent(e *enricher.EnrichedEvent) tracker.Event {
	metadata := maps.Clone(e.Metadata)
	if metadata == nil {
		metadata = make(map[string]any)
	}
	metadata["userId"] = e.UserID

	return tracker.Event{
		ID:        e.EventID,
		Type:      tracker.EventType(e.EventType),
		ContentID: e.ContentID,
		SessionID: e.SessionID,
		Timestamp: e.Timestamp,
		Metadata:  metadata,
	}
}
