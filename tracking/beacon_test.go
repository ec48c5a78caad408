package tracking_test

import (
	"net/url"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackwell/api/store"
	"trackwell/api/tracking"
)

func TestBeaconKind(t *testing.T) {
	t.Parallel()

	cases := map[string]tracking.Beacon{
		tracking.TypePageview: {Type: "pv"},
		tracking.TypeEvent:    {Type: "ev"},
		tracking.TypeBatch:    {Batch: []tracking.Beacon{{}}},
		"":                    {},
	}
	for want, b := range cases {
		if want == "" {
			want = tracking.TypePageview
		}
		assert.Equal(t, want, b.Kind())
	}
	inferred := tracking.Beacon{Event: &tracking.EventPayload{Name: "signup"}}
	assert.Equal(t, tracking.TypeEvent, inferred.Kind())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("Pageview", func(t *testing.T) {
		t.Parallel()
		item, err := tracking.Validate(tracking.Beacon{
			Type:      "pageview",
			SiteID:    "7",
			PageURL:   "https://example.com/docs/intro#top",
			PageTitle: "Intro",
			LoadTime:  "412",
		})
		require.NoError(t, err)
		assert.Equal(t, store.ActivityPageview, item.Kind)
		assert.Equal(t, "7", item.SiteRef)
		assert.Equal(t, "/docs/intro", item.Path)
		assert.Equal(t, "Intro", item.Title)
		require.NotNil(t, item.LoadTimeMs)
		assert.EqualValues(t, 412, *item.LoadTimeMs)
	})

	t.Run("RelativePath", func(t *testing.T) {
		t.Parallel()
		item, err := tracking.Validate(tracking.Beacon{SiteID: "7", URL: "/pricing?plan=pro"})
		require.NoError(t, err)
		assert.Equal(t, "/pricing", item.Path)
	})

	t.Run("Event", func(t *testing.T) {
		t.Parallel()
		item, err := tracking.Validate(tracking.Beacon{
			Type:         "e",
			TrackingCode: "k3Xf9QpL",
			Event: &tracking.EventPayload{
				Name:     " purchase ",
				Category: "checkout",
				Value:    "49.90",
				Data:     []byte(`{"plan":"pro"}`),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, store.ActivityEvent, item.Kind)
		assert.Equal(t, "purchase", item.Name)
		require.NotNil(t, item.Value)
		assert.InDelta(t, 49.9, *item.Value, 1e-9)
		assert.JSONEq(t, `{"plan":"pro"}`, string(item.Data))
	})

	bad := []struct {
		name  string
		b     tracking.Beacon
		field string
	}{
		{"MissingSite", tracking.Beacon{URL: "/"}, "site_id"},
		{"MissingURL", tracking.Beacon{SiteID: "1", Type: "pageview"}, "url"},
		{"RelativeNoSlash", tracking.Beacon{SiteID: "1", URL: "docs/intro"}, "url"},
		{"FTP", tracking.Beacon{SiteID: "1", URL: "ftp://example.com/file"}, "url"},
		{"LongURL", tracking.Beacon{SiteID: "1", URL: "/" + strings.Repeat("a", 2048)}, "url"},
		{"NegativeLoadTime", tracking.Beacon{SiteID: "1", URL: "/", LoadTime: "-5"}, "load_time"},
		{"MissingEventName", tracking.Beacon{SiteID: "1", Type: "event"}, "event.name"},
		{"NonNumericValue", tracking.Beacon{SiteID: "1", Type: "event", Event: &tracking.EventPayload{Name: "x", Value: "lots"}}, "event.value"},
		{"InfiniteValue", tracking.Beacon{SiteID: "1", Type: "event", Event: &tracking.EventPayload{Name: "x", Value: "Inf"}}, "event.value"},
		{"ArrayData", tracking.Beacon{SiteID: "1", Type: "event", Event: &tracking.EventPayload{Name: "x", Data: []byte(`[1,2]`)}}, "event.data"},
		{"NestedBatch", tracking.Beacon{SiteID: "1", Type: "batch"}, "type"},
		{"NULTitle", tracking.Beacon{SiteID: "1", URL: "/", Title: "a\x00b"}, "title"},
		{"NULSession", tracking.Beacon{SiteID: "1", URL: "/", SessionID: "s\x00"}, "session_id"},
		{"NULLabel", tracking.Beacon{SiteID: "1", Type: "event", Event: &tracking.EventPayload{Name: "x", Label: "\x00"}}, "event.label"},
		{"NULData", tracking.Beacon{SiteID: "1", Type: "event", Event: &tracking.EventPayload{Name: "x", Data: []byte(`{"k":["a\u0000"]}`)}}, "event.data"},
		{"UnknownType", tracking.Beacon{SiteID: "1", Type: "click"}, "type"},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := tracking.Validate(tc.b)
			var ve *tracking.ValidationError
			require.ErrorAs(t, err, &ve)
			fields := make([]string, 0, len(ve.Fields))
			for _, f := range ve.Fields {
				fields = append(fields, f.Field)
			}
			assert.Contains(t, fields, tc.field)
		})
	}
}

func TestValidateText(t *testing.T) {
	t.Parallel()

	t.Run("TitleTruncatedOnRuneBoundary", func(t *testing.T) {
		t.Parallel()
		item, err := tracking.Validate(tracking.Beacon{SiteID: "1", URL: "/", Title: strings.Repeat("日", 171)})
		require.NoError(t, err)
		assert.True(t, utf8.ValidString(item.Title))
		assert.LessOrEqual(t, len(item.Title), 512)
		assert.Equal(t, strings.Repeat("日", 170), item.Title)
	})

	t.Run("InvalidUTF8Dropped", func(t *testing.T) {
		t.Parallel()
		item, err := tracking.Validate(tracking.Beacon{SiteID: "1", URL: "/", Title: "caf\xc3", Referrer: "https://a.example/\xff"})
		require.NoError(t, err)
		assert.Equal(t, "caf", item.Title)
		assert.Equal(t, "https://a.example/", item.Referrer)
	})

	t.Run("InvalidUTF8Data", func(t *testing.T) {
		t.Parallel()
		item, err := tracking.Validate(tracking.Beacon{
			SiteID: "1",
			Type:   "event",
			Event:  &tracking.EventPayload{Name: "x", Data: []byte("{\"k\":\"a\xffb\"}")},
		})
		require.NoError(t, err)
		assert.True(t, utf8.Valid(item.Data))
		assert.JSONEq(t, `{"k":"a\ufffdb"}`, string(item.Data))
	})
}

func TestBatchItems(t *testing.T) {
	t.Parallel()

	b := tracking.Beacon{
		Type:      "batch",
		SiteID:    "4",
		SessionID: "sess-1",
		UserID:    "u-1",
		Batch: []tracking.Beacon{
			{URL: "/a"},
			{URL: "/b", TrackingCode: "k3Xf9QpL", SessionID: "sess-2"},
			{URL: "/c", UserID: "u-2"},
		},
	}
	items := b.BatchItems()
	require.Len(t, items, 3)

	assert.Equal(t, tracking.FlexString("4"), items[0].SiteID)
	assert.Equal(t, "sess-1", items[0].SessionID)
	assert.Equal(t, tracking.FlexString("u-1"), items[0].UserID)

	assert.Empty(t, items[1].SiteID, "item tracking code wins over the envelope site")
	assert.Equal(t, "k3Xf9QpL", items[1].TrackingCode)
	assert.Equal(t, "sess-2", items[1].SessionID)

	assert.Equal(t, tracking.FlexString("u-2"), items[2].UserID)
	assert.Empty(t, b.Batch[0].SiteID, "envelope is not mutated")
}

func TestDecodeBeacon(t *testing.T) {
	t.Parallel()

	b, err := tracking.DecodeBeacon([]byte(`{
		"type": "event",
		"site_id": 3,
		"user_id": 12345,
		"url": "/checkout",
		"load_time": null,
		"event": {"name": "purchase", "value": 19.5, "data": {"sku": "A1"}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, tracking.FlexString("3"), b.SiteID)
	assert.Equal(t, tracking.FlexString("12345"), b.UserID)
	assert.Empty(t, b.LoadTime)
	require.NotNil(t, b.Event)
	assert.Equal(t, tracking.FlexString("19.5"), b.Event.Value)

	_, err = tracking.DecodeBeacon([]byte(`{"type":`))
	var ve *tracking.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestBeaconFromValues(t *testing.T) {
	t.Parallel()

	t.Run("Pixel", func(t *testing.T) {
		t.Parallel()
		v, err := url.ParseQuery("t=e&s=4&sid=abc&u=%2Fpricing&en=cta&ec=hero&ev=3&ed=%7B%22x%22%3A1%7D")
		require.NoError(t, err)
		b, err := tracking.BeaconFromValues(v)
		require.NoError(t, err)
		assert.Equal(t, tracking.TypeEvent, b.Kind())
		assert.Equal(t, tracking.FlexString("4"), b.SiteID)
		assert.Equal(t, "abc", b.SessionID)
		assert.Equal(t, "/pricing", b.URL)
		require.NotNil(t, b.Event)
		assert.Equal(t, "cta", b.Event.Name)
		assert.Equal(t, "hero", b.Event.Category)
		assert.JSONEq(t, `{"x":1}`, string(b.Event.Data))

		item, err := tracking.Validate(b)
		require.NoError(t, err)
		assert.InDelta(t, 3.0, *item.Value, 1e-9)
	})

	t.Run("LongKeys", func(t *testing.T) {
		t.Parallel()
		v := url.Values{
			"tracking_code": {"k3Xf9QpL"},
			"page_url":      {"https://example.com/a"},
			"page_title":    {"A"},
			"event[name]":   {"signup"},
		}
		b, err := tracking.BeaconFromValues(v)
		require.NoError(t, err)
		assert.Equal(t, "k3Xf9QpL", b.TrackingCode)
		assert.Equal(t, "https://example.com/a", b.URL)
		assert.Equal(t, "signup", b.Event.Name)
	})

	t.Run("Batch", func(t *testing.T) {
		t.Parallel()
		v := url.Values{"batch": {`[{"site_id":"1","url":"/a"},{"site_id":"1","type":"pv","url":"/b"}]`}}
		b, err := tracking.BeaconFromValues(v)
		require.NoError(t, err)
		assert.Equal(t, tracking.TypeBatch, b.Kind())
		require.Len(t, b.Batch, 2)
		assert.Equal(t, "/b", b.Batch[1].URL)

		_, err = tracking.BeaconFromValues(url.Values{"batch": {"not json"}})
		require.Error(t, err)
	})
}
