package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/gosight/gosight/tracker/internal/storage"
	"github.com/gosight/gosight/tracker/internal/tracker"
)

type eventInserter interface {
	InsertEvents(ctx context.Context, events []storage.EventRow) error
}

// ClickHouse writes each event as a learning_events row.
type ClickHouse struct {
	store eventInserter
}

func NewClickHouse(store eventInserter) *ClickHouse {
	return &ClickHouse{store: store}
}

func (c *ClickHouse) SendEvent(ctx context.Context, e tracker.Event) error {
	row, err := toEventRow(e)
	if err != nil {
		return err
	}
	return c.store.InsertEvents(ctx, []storage.EventRow{row})
}

func toEventRow(e tracker.Event) (storage.EventRow, error) {
	row := storage.EventRow{
		EventID:   e.ID,
		SessionID: e.SessionID,
		UserID:    e.UserID(),
		EventType: string(e.Type),
		ContentID: e.ContentID,
		Timestamp: time.UnixMilli(e.Timestamp),
	}

	metadata, err := storage.EncodeMetadata(e.Metadata)
	if err != nil {
		return storage.EventRow{}, fmt.Errorf("clickhouse sink: event %s: %w", e.ID, err)
	}
	row.Metadata = metadata
	return row, nil
}
