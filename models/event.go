// api/models/event.go
package models

import (
	"encoding/json"
	"time"
)

// Pageview is one persisted page view. Rows are never updated after insert.
type Pageview struct {
	ID         string    `json:"id"`
	SiteID     int64     `json:"siteId"`
	SessionID  string    `json:"sessionId"`
	URL        string    `json:"url"`
	Path       string    `json:"path"`
	Title      string    `json:"title"`
	Referrer   string    `json:"referrer"`
	LoadTimeMs *int64    `json:"loadTimeMs,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CustomEvent is one persisted named event. Rows are never updated after insert.
type CustomEvent struct {
	ID        string          `json:"id"`
	SiteID    int64           `json:"siteId"`
	SessionID string          `json:"sessionId"`
	URL       string          `json:"url"`
	Path      string          `json:"path"`
	Name      string          `json:"name"`
	Category  string          `json:"category,omitempty"`
	Action    string          `json:"action,omitempty"`
	Label     string          `json:"label,omitempty"`
	Value     *float64        `json:"value,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AnalyticsEvent is the flattened row mirrored into ClickHouse.
type AnalyticsEvent struct {
	EventID     string          `json:"eventId"`
	EventType   string          `json:"eventType"`
	SiteID      int64           `json:"siteId"`
	VisitorHash string          `json:"visitorHash"`
	SessionID   string          `json:"sessionId"`
	Timestamp   time.Time       `json:"timestamp"`
	PagePath    string          `json:"pagePath"`
	Referrer    string          `json:"referrer"`
	EventName   string          `json:"eventName,omitempty"`
	Browser     string          `json:"browser"`
	OS          string          `json:"os"`
	DeviceType  string          `json:"deviceType"`
	DurationMs  int64           `json:"durationMs"`
	EventData   json.RawMessage `json:"eventData,omitempty"`
}

type TopPathResult struct {
	PagePath string `json:"pagePath"`
	Count    uint64 `json:"count"`
}

type CountByTime struct {
	Time  time.Time `json:"time"`
	Count uint64    `json:"count"`
}
