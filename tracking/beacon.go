package tracking

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"trackwell/api/store"
)

const (
	TypePageview = "pageview"
	TypeEvent    = "event"
	TypeBatch    = "batch"

	maxURLLength   = 2048
	maxTitleLength = 512
	maxNameLength  = 255
)

// FlexString accepts a JSON string, number or bool and keeps its text.
// Collectors are inconsistent about quoting ids and numbers.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(b)
	return nil
}

// EventPayload is the "event" object of a beacon.
type EventPayload struct {
	Name     string          `json:"name"`
	Category string          `json:"category"`
	Action   string          `json:"action"`
	Label    string          `json:"label"`
	Value    FlexString      `json:"value"`
	Data     json.RawMessage `json:"data"`
}

// Beacon is one decoded ingestion payload. Alias fields are merged during
// validation.
type Beacon struct {
	Type         string        `json:"type"`
	SiteID       FlexString    `json:"site_id"`
	TrackingCode string        `json:"tracking_code"`
	SessionID    string        `json:"session_id"`
	UserID       FlexString    `json:"user_id"`
	URL          string        `json:"url"`
	PageURL      string        `json:"page_url"`
	Title        string        `json:"title"`
	PageTitle    string        `json:"page_title"`
	Referrer     string        `json:"referrer"`
	LoadTime     FlexString    `json:"load_time"`
	Event        *EventPayload `json:"event"`
	Batch        []Beacon      `json:"batch"`
}

// Item is a validated pageview or event ready for processing.
type Item struct {
	Kind       store.ActivityKind
	SiteRef    string
	SessionID  string
	UserID     string
	URL        string
	Path       string
	Title      string
	Referrer   string
	LoadTimeMs *int64
	Name       string
	Category   string
	Action     string
	Label      string
	Value      *float64
	Data       json.RawMessage
}

// clean trims s and drops byte sequences that are not valid UTF-8.
func clean(s string) string {
	return strings.ToValidUTF8(strings.TrimSpace(s), "")
}

func first(values ...string) string {
	for _, v := range values {
		if v = clean(v); v != "" {
			return v
		}
	}
	return ""
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// rejectNUL flags text fields carrying NUL, which Postgres text and jsonb
// columns refuse.
func rejectNUL(verr *ValidationError, fields map[string]string) {
	for name, v := range fields {
		if strings.IndexByte(v, 0) >= 0 {
			verr.add(name, "must not contain NUL characters")
		}
	}
}

func containsNUL(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.IndexByte(t, 0) >= 0
	case []any:
		for _, e := range t {
			if containsNUL(e) {
				return true
			}
		}
	case map[string]any:
		for k, e := range t {
			if strings.IndexByte(k, 0) >= 0 || containsNUL(e) {
				return true
			}
		}
	}
	return false
}

// Kind resolves the beacon type, inferring it when the collector omitted it.
func (b *Beacon) Kind() string {
	switch t := strings.ToLower(strings.TrimSpace(b.Type)); t {
	case "pv", TypePageview:
		return TypePageview
	case "e", "ev", TypeEvent:
		return TypeEvent
	case TypeBatch:
		return TypeBatch
	case "":
		if len(b.Batch) > 0 {
			return TypeBatch
		}
		if b.Event != nil && strings.TrimSpace(b.Event.Name) != "" {
			return TypeEvent
		}
		return TypePageview
	default:
		return t
	}
}

// BatchItems returns the batch with the envelope's site, session and user
// filled into items that leave them empty.
func (b Beacon) BatchItems() []Beacon {
	items := make([]Beacon, len(b.Batch))
	for i, it := range b.Batch {
		if clean(string(it.SiteID)) == "" && clean(it.TrackingCode) == "" {
			it.SiteID, it.TrackingCode = b.SiteID, b.TrackingCode
		}
		if clean(it.SessionID) == "" {
			it.SessionID = b.SessionID
		}
		if clean(string(it.UserID)) == "" {
			it.UserID = b.UserID
		}
		items[i] = it
	}
	return items
}

// Validate checks b and normalizes it into an Item. It never writes.
func Validate(b Beacon) (Item, error) {
	var verr ValidationError
	item := Item{
		SiteRef:   first(string(b.SiteID), b.TrackingCode),
		SessionID: clean(b.SessionID),
		UserID:    clean(string(b.UserID)),
		URL:       first(b.URL, b.PageURL),
		Title:     first(b.Title, b.PageTitle),
		Referrer:  clean(b.Referrer),
	}
	rejectNUL(&verr, map[string]string{
		"site_id":    item.SiteRef,
		"session_id": item.SessionID,
		"user_id":    item.UserID,
		"url":        item.URL,
		"title":      item.Title,
		"referrer":   item.Referrer,
	})

	if item.SiteRef == "" {
		verr.add("site_id", "site_id or tracking_code is required")
	}

	switch b.Kind() {
	case TypePageview:
		item.Kind = store.ActivityPageview
		if item.URL == "" {
			verr.add("url", "url is required for pageviews")
		}
	case TypeEvent:
		item.Kind = store.ActivityEvent
		validateEvent(&verr, &item, b.Event)
	case TypeBatch:
		verr.add("type", "batches cannot be nested")
	default:
		verr.add("type", fmt.Sprintf("unknown type %q", b.Type))
	}

	if item.URL != "" {
		path, err := pathOf(item.URL)
		if err != nil {
			verr.add("url", err.Error())
		}
		item.Path = path
	}
	item.Title = truncate(item.Title, maxTitleLength)

	if lt := strings.TrimSpace(string(b.LoadTime)); lt != "" {
		ms, err := strconv.ParseInt(lt, 10, 64)
		if err != nil || ms < 0 {
			verr.add("load_time", "load_time must be a non-negative integer")
		} else {
			item.LoadTimeMs = &ms
		}
	}

	return item, verr.orNil()
}

func validateEvent(verr *ValidationError, item *Item, ev *EventPayload) {
	if ev == nil || strings.TrimSpace(ev.Name) == "" {
		verr.add("event.name", "event name is required")
		return
	}
	item.Name = clean(ev.Name)
	if len(item.Name) > maxNameLength {
		verr.add("event.name", "event name is too long")
	}
	item.Category = clean(ev.Category)
	item.Action = clean(ev.Action)
	item.Label = clean(ev.Label)
	rejectNUL(verr, map[string]string{
		"event.name":     item.Name,
		"event.category": item.Category,
		"event.action":   item.Action,
		"event.label":    item.Label,
	})

	if v := strings.TrimSpace(string(ev.Value)); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			verr.add("event.value", "event value must be a number")
		} else {
			item.Value = &f
		}
	}

	data := bytes.TrimSpace(ev.Data)
	if len(data) > 0 && !bytes.Equal(data, []byte("null")) {
		var obj map[string]any
		switch err := json.Unmarshal(data, &obj); {
		case err != nil || obj == nil:
			verr.add("event.data", "event data must be a JSON object")
		case containsNUL(obj):
			verr.add("event.data", "must not contain NUL characters")
		case !utf8.Valid(data):
			// Re-encoding replaces invalid bytes with U+FFFD.
			fixed, err := json.Marshal(obj)
			if err != nil {
				verr.add("event.data", "event data must be a JSON object")
				break
			}
			item.Data = fixed
		default:
			item.Data = json.RawMessage(data)
		}
	}
}

// pathOf accepts an absolute http(s) URL or an absolute path and returns the
// path component.
func pathOf(raw string) (string, error) {
	if len(raw) > maxURLLength {
		return "", fmt.Errorf("url is too long")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("url is malformed")
	}
	switch {
	case u.Scheme == "" && u.Host == "" && strings.HasPrefix(u.Path, "/"):
	case (u.Scheme == "http" || u.Scheme == "https") && u.Host != "":
	default:
		return "", fmt.Errorf("url must be an absolute http(s) URL or path")
	}
	if u.Path == "" {
		return "/", nil
	}
	return u.Path, nil
}

// formKeys lists the accepted names for each field, long form first and the
// compact pixel form last.
var formKeys = struct {
	typ, siteID, code, session, user, url, title, referrer, loadTime []string
	name, category, action, label, value, data                       []string
}{
	typ:      []string{"type", "t"},
	siteID:   []string{"site_id", "s"},
	code:     []string{"tracking_code"},
	session:  []string{"session_id", "sid"},
	user:     []string{"user_id", "uid"},
	url:      []string{"url", "page_url", "u"},
	title:    []string{"title", "page_title", "ti"},
	referrer: []string{"referrer", "r"},
	loadTime: []string{"load_time", "lt"},
	name:     []string{"event_name", "event[name]", "en"},
	category: []string{"event_category", "event[category]", "ec"},
	action:   []string{"event_action", "event[action]", "ea"},
	label:    []string{"event_label", "event[label]", "el"},
	value:    []string{"event_value", "event[value]", "ev"},
	data:     []string{"event_data", "event[data]", "ed"},
}

func formValue(v url.Values, keys []string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(v.Get(k)); s != "" {
			return s
		}
	}
	return ""
}

// BeaconFromValues decodes a form-encoded POST body or pixel query string.
// A "batch" value is read as a JSON array.
func BeaconFromValues(v url.Values) (Beacon, error) {
	b := Beacon{
		Type:      formValue(v, formKeys.typ),
		SiteID:    FlexString(formValue(v, formKeys.siteID)),
		SessionID: formValue(v, formKeys.session),
		UserID:    FlexString(formValue(v, formKeys.user)),
		URL:       formValue(v, formKeys.url),
		Title:     formValue(v, formKeys.title),
		Referrer:  formValue(v, formKeys.referrer),
		LoadTime:  FlexString(formValue(v, formKeys.loadTime)),
	}
	b.TrackingCode = formValue(v, formKeys.code)

	if name := formValue(v, formKeys.name); name != "" {
		b.Event = &EventPayload{
			Name:     name,
			Category: formValue(v, formKeys.category),
			Action:   formValue(v, formKeys.action),
			Label:    formValue(v, formKeys.label),
			Value:    FlexString(formValue(v, formKeys.value)),
		}
		if data := formValue(v, formKeys.data); data != "" {
			b.Event.Data = json.RawMessage(data)
		}
	}

	if raw := v.Get("batch"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &b.Batch); err != nil {
			return b, &ValidationError{Fields: []FieldError{{Field: "batch", Message: "batch must be a JSON array"}}}
		}
		if b.Type == "" {
			b.Type = TypeBatch
		}
	}
	return b, nil
}

// DecodeBeacon parses a JSON request body.
func DecodeBeacon(body []byte) (Beacon, error) {
	var b Beacon
	if err := json.Unmarshal(body, &b); err != nil {
		return b, &ValidationError{Fields: []FieldError{{Field: "body", Message: "malformed JSON"}}}
	}
	return b, nil
}
