package tracking

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FieldError is one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects a beacon before anything is written.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// RateLimitError means the session reached its event ceiling.
type RateLimitError struct {
	SessionID string
	Limit     int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("session %s reached the limit of %d events", e.SessionID, e.Limit)
}

// ResolutionError means no site or session could be established.
type ResolutionError struct {
	What string
}

func (e *ResolutionError) Error() string {
	return e.What + " not found"
}

// StorageError wraps an underlying store failure. Its message is safe to
// return to clients; the cause is only logged.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage failure" }

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// HTTPStatus maps an ingest error to its response status.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		re *RateLimitError
		ne *ResolutionError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &re):
		return http.StatusTooManyRequests
	case errors.As(err, &ne):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the error text sent to collectors. Storage details never
// leave the process.
func PublicMessage(err error) string {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Error()
	}
	var (
		ve *ValidationError
		re *RateLimitError
		ne *ResolutionError
	)
	if errors.As(err, &ve) || errors.As(err, &re) || errors.As(err, &ne) {
		return err.Error()
	}
	return "internal error"
}

// Kind is a short label for metrics and logs.
func Kind(err error) string {
	var (
		ve *ValidationError
		re *RateLimitError
		ne *ResolutionError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &re):
		return "rate_limited"
	case errors.As(err, &ne):
		return "resolution"
	default:
		return "storage"
	}
}

// expected reports whether err only fails the current batch item.
func expected(err error) bool {
	switch Kind(err) {
	case "validation", "rate_limited", "resolution":
		return true
	}
	return false
}
