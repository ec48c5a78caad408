package handlers

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"

	"cdr.dev/slog/v3"
	"github.com/gin-gonic/gin"

	"trackwell/api/tracking"
)

// transparentGIF is a 1x1 transparent GIF89a.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0xff, 0xff,
	0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00,
	0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00,
	0x02, 0x02, 0x44, 0x01, 0x00,
	0x3b,
}

// CollectHandlers serves the beacon endpoints. The decoy asset paths route
// here too so that blockers matching "/collect" miss them.
type CollectHandlers struct {
	Ingestor *tracking.Ingestor
	Logger   slog.Logger
}

func NewCollectHandlers(in *tracking.Ingestor, logger slog.Logger) *CollectHandlers {
	return &CollectHandlers{Ingestor: in, Logger: logger.Named("collect")}
}

// Collect accepts a JSON or form-encoded beacon.
func (h *CollectHandlers) Collect(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "could not read request body"})
		return
	}

	b, err := decodeBody(c.Request, body)
	if err != nil {
		c.JSON(tracking.HTTPStatus(err), gin.H{"success": false, "error": tracking.PublicMessage(err)})
		return
	}

	sig := tracking.ClientSignals(c.Request)
	if b.Kind() == tracking.TypeBatch {
		res, err := h.Ingestor.TrackBatch(c.Request.Context(), b.BatchItems(), sig)
		status := http.StatusOK
		if !res.Success {
			status = tracking.HTTPStatus(err)
		}
		c.JSON(status, res)
		return
	}

	res, err := h.Ingestor.Track(c.Request.Context(), b, sig)
	c.JSON(tracking.HTTPStatus(err), res)
}

// Pixel serves the GET fallback. It always answers with the image.
func (h *CollectHandlers) Pixel(c *gin.Context) {
	ctx := c.Request.Context()
	b, err := tracking.BeaconFromValues(c.Request.URL.Query())
	if err == nil {
		sig := tracking.ClientSignals(c.Request)
		if b.Kind() == tracking.TypeBatch {
			_, err = h.Ingestor.TrackBatch(ctx, b.BatchItems(), sig)
		} else {
			_, err = h.Ingestor.Track(ctx, b, sig)
		}
	}
	if err != nil {
		h.Logger.Debug(ctx, "pixel beacon rejected", slog.F("reason", tracking.Kind(err)))
	}

	c.Header("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.Data(http.StatusOK, "image/gif", transparentGIF)
}

func decodeBody(r *http.Request, body []byte) (tracking.Beacon, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	trimmed := bytes.TrimSpace(body)

	switch {
	case mediaType == "application/json",
		mediaType != "application/x-www-form-urlencoded" && len(trimmed) > 0 && trimmed[0] == '{':
		return tracking.DecodeBeacon(trimmed)
	default:
		values, err := url.ParseQuery(string(trimmed))
		if err != nil {
			return tracking.Beacon{}, &tracking.ValidationError{Fields: []tracking.FieldError{{Field: "body", Message: "malformed form body"}}}
		}
		for k, v := range r.URL.Query() {
			if _, ok := values[k]; !ok {
				values[k] = v
			}
		}
		return tracking.BeaconFromValues(values)
	}
}
