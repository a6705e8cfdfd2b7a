package sink

import (
	"context"
	"time"

	"github.com/gosight/gosight/tracker/internal/enricher"
	"github.com/gosight/gosight/tracker/internal/tracker"
)

type eventProducer interface {
	ProduceEvent(ctx context.Context, key string, event any) error
}

// Kafka publishes each event to the collector's events topic, keyed by
// session id, in the same enriched shape the collector writes. Client
// details stay empty since no request is involved.
type Kafka struct {
	producer  eventProducer
	projectID string
	now       func() time.Time
}

func NewKafka(p eventProducer, projectID string) *Kafka {
	return &Kafka{producer: p, projectID: projectID, now: time.Now}
}

func (k *Kafka) SendEvent(ctx context.Context, e tracker.Event) error {
	event := enricher.FromRecord(Record(e), k.projectID, k.now().UnixMilli())
	return k.producer.ProduceEvent(ctx, e.SessionID, event)
}
