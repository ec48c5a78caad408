package tracking_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"trackwell/api/tracking"
)

func TestClassifyUserAgent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ua   string
		want tracking.Client
	}{
		{
			name: "ChromeWindows",
			ua:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			want: tracking.Client{DeviceType: "desktop", Browser: "Chrome", OS: "Windows"},
		},
		{
			name: "EdgeWindows",
			ua:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.2210.91",
			want: tracking.Client{DeviceType: "desktop", Browser: "Edge", OS: "Windows"},
		},
		{
			name: "OperaMac",
			ua:   "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36 OPR/105.0.0.0",
			want: tracking.Client{DeviceType: "desktop", Browser: "Opera", OS: "macOS"},
		},
		{
			name: "SafariMac",
			ua:   "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_2) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
			want: tracking.Client{DeviceType: "desktop", Browser: "Safari", OS: "macOS"},
		},
		{
			name: "FirefoxLinux",
			ua:   "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
			want: tracking.Client{DeviceType: "desktop", Browser: "Firefox", OS: "Linux"},
		},
		{
			name: "SafariIPhone",
			ua:   "Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1",
			want: tracking.Client{DeviceType: "mobile", Browser: "Safari", OS: "iOS"},
		},
		{
			name: "ChromeIPad",
			ua:   "Mozilla/5.0 (iPad; CPU OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) CriOS/120.0.6099.119 Mobile/15E148 Safari/604.1",
			want: tracking.Client{DeviceType: "tablet", Browser: "Chrome", OS: "iOS"},
		},
		{
			name: "ChromeAndroidPhone",
			ua:   "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.144 Mobile Safari/537.36",
			want: tracking.Client{DeviceType: "mobile", Browser: "Chrome", OS: "Android"},
		},
		{
			name: "AndroidTablet",
			ua:   "Mozilla/5.0 (Linux; Android 13; SM-X700) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			want: tracking.Client{DeviceType: "tablet", Browser: "Chrome", OS: "Android"},
		},
		{
			name: "ChromeOS",
			ua:   "Mozilla/5.0 (X11; CrOS x86_64 14541.0.0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			want: tracking.Client{DeviceType: "desktop", Browser: "Chrome", OS: "Linux"},
		},
		{
			name: "MicrosoftCryptoAPI",
			ua:   "Microsoft-CryptoAPI/10.0",
			want: tracking.Client{DeviceType: "desktop", Browser: "Other", OS: "Other"},
		},
		{
			name: "Unknown",
			ua:   "unknown",
			want: tracking.Client{DeviceType: "desktop", Browser: "Other", OS: "Other"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tracking.ClassifyUserAgent(tc.ua))
		})
	}
}
