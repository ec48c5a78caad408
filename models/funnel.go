package models

import (
	"encoding/json"
	"time"
)

// StepType selects how a funnel step condition is matched.
type StepType string

const (
	StepTypePageview StepType = "pageview"
	StepTypeEvent    StepType = "event"
	StepTypeCustom   StepType = "custom"
)

type Funnel struct {
	ID        int64        `json:"id"`
	SiteID    int64        `json:"siteId"`
	Name      string       `json:"name"`
	Active    bool         `json:"active"`
	Steps     []FunnelStep `json:"steps"`
	CreatedAt time.Time    `json:"createdAt"`
}

// FunnelStep is stored with its condition as raw JSON. The funnel package
// compiles it into a typed matcher before use.
type FunnelStep struct {
	ID        int64           `json:"id"`
	FunnelID  int64           `json:"funnelId"`
	Order     int             `json:"order"`
	Name      string          `json:"name"`
	Type      StepType        `json:"type"`
	Condition json.RawMessage `json:"condition"`
	Required  bool            `json:"required"`
}

// FunnelSession is the progress of one session through one funnel.
// LastStep is 0 before any step matched and len(steps) once converted.
type FunnelSession struct {
	FunnelID          int64                   `json:"funnelId"`
	SessionID         string                  `json:"sessionId"`
	SiteID            int64                   `json:"siteId"`
	LastStep          int                     `json:"lastStep"`
	StepTimes         map[int]time.Time       `json:"stepTimes"`
	StepEvents        map[int]json.RawMessage `json:"stepEvents,omitempty"`
	Converted         bool                    `json:"converted"`
	ConversionSeconds *int64                  `json:"conversionSeconds,omitempty"`
	Version           int64                   `json:"version"`
	CreatedAt         time.Time               `json:"createdAt"`
	UpdatedAt         time.Time               `json:"updatedAt"`
}

// FunnelDailyStat is one row of the out-of-band daily funnel rollup.
type FunnelDailyStat struct {
	FunnelID             int64     `json:"funnelId"`
	Day                  time.Time `json:"day"`
	Entered              int64     `json:"entered"`
	StepReached          []int64   `json:"stepReached"`
	Conversions          int64     `json:"conversions"`
	ConversionRate       float64   `json:"conversionRate"`
	AvgConversionSeconds float64   `json:"avgConversionSeconds"`
}

// DropOff is the number of sessions lost between each step and the next.
// The first entry is the loss between entering and reaching step one.
func (s FunnelDailyStat) DropOff() []int64 {
	out := make([]int64, len(s.StepReached))
	prev := s.Entered
	for i, n := range s.StepReached {
		out[i] = prev - n
		prev = n
	}
	return out
}

type CreateFunnelStepRequest struct {
	Name      string          `json:"name" binding:"max=128"`
	Type      StepType        `json:"type" binding:"required,oneof=pageview event custom"`
	Condition json.RawMessage `json:"condition" binding:"required"`
	Required  *bool           `json:"required"`
}

type CreateFunnelRequest struct {
	Name  string                    `json:"name" binding:"required,max=128"`
	Steps []CreateFunnelStepRequest `json:"steps" binding:"required,min=1,max=20,dive"`
}

type UpdateFunnelRequest struct {
	Active *bool `json:"active" binding:"required"`
}
