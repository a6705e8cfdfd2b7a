package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/gosight/gosight/tracker/internal/config"
)

type ClickHouse struct {
	conn driver.Conn
}

// EventRow represents a row in the learning_events table. Rows written
// straight from a tracker leave the client columns empty; the persister
// fills them from collector enrichment.
type EventRow struct {
	EventID    string
	ProjectID  string
	SessionID  string
	UserID     string
	EventType  string
	ContentID  string
	Timestamp  time.Time
	Browser    string
	OS         string
	DeviceType string
	Country    string
	City       string
	Metadata   string
}

// EncodeMetadata renders event metadata for the metadata column. Empty
// metadata is stored as an empty string.
func EncodeMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("clickhouse: encode metadata: %w", err)
	}
	return string(payload), nil
}

func NewClickHouse(cfg config.ClickHouseConfig) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}

	// Test connection
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse: ping %s: %w", cfg.Addr, err)
	}

	return &ClickHouse{conn: conn}, nil
}

func (c *ClickHouse) InsertEvents(ctx context.Context, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO learning_events (
			event_id, project_id, session_id, user_id, event_type, content_id,
			timestamp, browser, os, device_type, country, city, metadata
		)
	`)
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}

	for _, e := range events {
		err := batch.Append(
			e.EventID, e.ProjectID, e.SessionID, e.UserID, e.EventType, e.ContentID,
			e.Timestamp, e.Browser, e.OS, e.DeviceType, e.Country, e.City, e.Metadata,
		)
		if err != nil {
			return fmt.Errorf("clickhouse: append %s: %w", e.EventID, err)
		}
	}

	return batch.Send()
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
