package tracking

import "trackwell/api/models"

// EventLimiter caps custom events per session. It checks the stored counter
// and does not lock, so concurrent beacons may overshoot slightly.
type EventLimiter struct {
	max int
}

// NewEventLimiter returns a limiter; a ceiling <= 0 disables it.
func NewEventLimiter(ceiling int) *EventLimiter {
	return &EventLimiter{max: ceiling}
}

func (l *EventLimiter) Allow(s *models.Session) error {
	if l.max > 0 && s.EventCount >= l.max {
		return &RateLimitError{SessionID: s.ID, Limit: l.max}
	}
	return nil
}
