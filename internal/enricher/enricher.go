package enricher

import (
	"net"
	"time"

	"github.com/mssola/useragent"
	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"
)

type cityDB interface {
	City(ip net.IP) (*geoip2.City, error)
	Close() error
}

type Enricher struct {
	geoIP cityDB
	now   func() time.Time
}

// New opens the GeoIP city database at geoIPPath. An empty path, or a
// database that cannot be opened, leaves country and city blank.
func New(geoIPPath string) *Enricher {
	e := &Enricher{now: time.Now}
	if geoIPPath == "" {
		return e
	}

	db, err := geoip2.Open(geoIPPath)
	if err != nil {
		log.Warn().Err(err).Str("path", geoIPPath).Msg("GeoIP database unavailable, skipping geo enrichment")
		return e
	}
	e.geoIP = db
	return e
}

// EnrichedEvent is a learning event as published to Kafka by the collector.
type EnrichedEvent struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	ContentID string         `json:"content_id,omitempty"`
	Timestamp int64          `json:"timestamp"`
	ProjectID string         `json:"project_id"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	ServerTimestamp int64  `json:"server_timestamp"`
	Browser         string `json:"browser"`
	BrowserVersion  string `json:"browser_version"`
	OS              string `json:"os"`
	DeviceType      string `json:"device_type"`
	Country         string `json:"country"`
	City            string `json:"city"`
	ClientIP        string `json:"client_ip,omitempty"`
}

// Keys lifted out of a tracked record into EnrichedEvent fields. Everything
// else lands in Metadata.
var recordFields = map[string]bool{
	"eventId":   true,
	"eventType": true,
	"contentId": true,
	"timestamp": true,
	"projectId": true,
	"sessionId": true,
	"userId":    true,
}

// FromRecord lifts a tracker record (camelCase keys, as produced by
// sink.Record) into the EnrichedEvent shape without any client details.
// Keys it does not recognise land in Metadata.
func FromRecord(event map[string]any, projectID string, serverTimestamp int64) *EnrichedEvent {
	enriched := &EnrichedEvent{
		ProjectID:       projectID,
		ServerTimestamp: serverTimestamp,
	}

	enriched.EventID, _ = event["eventId"].(string)
	enriched.EventType, _ = event["eventType"].(string)
	enriched.ContentID, _ = event["contentId"].(string)
	enriched.SessionID, _ = event["sessionId"].(string)
	enriched.UserID, _ = event["userId"].(string)

	switch ts := event["timestamp"].(type) {
	case float64:
		enriched.Timestamp = int64(ts)
	case int64:
		enriched.Timestamp = ts
	case int:
		enriched.Timestamp = int64(ts)
	}

	for k, v := range event {
		if recordFields[k] {
			continue
		}
		if enriched.Metadata == nil {
			enriched.Metadata = make(map[string]any)
		}
		enriched.Metadata[k] = v
	}

	return enriched
}

// Enrich converts a decoded tracker record into an EnrichedEvent, adding
// client details from the user agent and IP.
func (e *Enricher) Enrich(event map[string]any, projectID, userAgentString, clientIP string) *EnrichedEvent {
	enriched := FromRecord(event, projectID, e.now().UnixMilli())
	enriched.ClientIP = clientIP

	if userAgentString != "" {
		ua := useragent.New(userAgentString)
		enriched.Browser, enriched.BrowserVersion = ua.Browser()
		enriched.OS = ua.OS()
		enriched.DeviceType = deviceType(ua)
	}

	if e.geoIP != nil && clientIP != "" {
		if ip := net.ParseIP(clientIP); ip != nil {
			record, err := e.geoIP.City(ip)
			if err == nil {
				enriched.Country = record.Country.IsoCode
				enriched.City = record.City.Names["en"]
			}
		}
	}

	return enriched
}

func deviceType(ua *useragent.UserAgent) string {
	if ua.Bot() {
		return "bot"
	}
	if ua.Mobile() {
		return "mobile"
	}
	return "desktop"
}

func (e *Enricher) Close() error {
	if e.geoIP != nil {
		return e.geoIP.Close()
	}
	return nil
}
