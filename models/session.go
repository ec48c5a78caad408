package models

import "time"

// Session is a bounded run of activity from one visitor on one site. There is
// no close record: a session is over once LastActivity is older than the
// configured timeout.
type Session struct {
	ID             string    `json:"id"`
	SiteID         int64     `json:"siteId"`
	VisitorHash    string    `json:"visitorHash"`
	FirstSeen      time.Time `json:"firstSeen"`
	LastActivity   time.Time `json:"lastActivity"`
	PageCount      int       `json:"pageCount"`
	EventCount     int       `json:"eventCount"`
	IsBounce       bool      `json:"isBounce"`
	EntryPage      string    `json:"entryPage"`
	ExitPage       string    `json:"exitPage"`
	ReferrerDomain string    `json:"referrerDomain,omitempty"`
	DeviceType     string    `json:"deviceType"`
	Browser        string    `json:"browser"`
	OS             string    `json:"os"`
	Country        string    `json:"country,omitempty"`
	// OriginID is the caller-supplied id that could not be reused when this
	// session was created.
	OriginID string `json:"-"`
}

// Interactions is the number of pageviews and events recorded so far.
func (s Session) Interactions() int {
	return s.PageCount + s.EventCount
}

// Presence marks a session as recently seen. It is a short-lived row, not a
// durable record.
type Presence struct {
	SiteID    int64     `json:"siteId"`
	SessionID string    `json:"sessionId"`
	Page      string    `json:"page"`
	LastSeen  time.Time `json:"lastSeen"`
}

type LivePage struct {
	Page     string `json:"page"`
	Sessions int64  `json:"sessions"`
}
