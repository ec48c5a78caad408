package utils

import (
	"fmt"

	"github.com/sqids/sqids-go"
)

// TrackingCoder turns site ids into short public tracking codes and back.
type TrackingCoder struct {
	s *sqids.Sqids
}

func NewTrackingCoder(alphabet string) (*TrackingCoder, error) {
	opts := sqids.Options{MinLength: 8}
	if alphabet != "" {
		opts.Alphabet = alphabet
	}
	s, err := sqids.New(opts)
	if err != nil {
		return nil, fmt.Errorf("init tracking code encoder: %w", err)
	}
	return &TrackingCoder{s: s}, nil
}

func (t *TrackingCoder) Encode(siteID int64) (string, error) {
	if siteID <= 0 {
		return "", fmt.Errorf("invalid site id %d", siteID)
	}
	code, err := t.s.Encode([]uint64{uint64(siteID)})
	if err != nil {
		return "", fmt.Errorf("encode tracking code: %w", err)
	}
	return code, nil
}

// Decode returns the site id for code. Codes that are not in canonical form
// are rejected.
func (t *TrackingCoder) Decode(code string) (int64, bool) {
	nums := t.s.Decode(code)
	if len(nums) != 1 || nums[0] == 0 {
		return 0, false
	}
	canonical, err := t.s.Encode(nums)
	if err != nil || canonical != code {
		return 0, false
	}
	return int64(nums[0]), true
}
