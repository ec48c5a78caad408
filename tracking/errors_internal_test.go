package tracking

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp 10.0.0.5:5432: connection refused")
	cases := []struct {
		err     error
		status  int
		kind    string
		message string
	}{
		{nil, http.StatusOK, "ok", "internal error"},
		{&ValidationError{Fields: []FieldError{{"url", "url is required"}}}, http.StatusBadRequest, "validation", "validation failed: url: url is required"},
		{fmt.Errorf("item 2: %w", &RateLimitError{SessionID: "s", Limit: 5}), http.StatusTooManyRequests, "rate_limited", "item 2: session s reached the limit of 5 events"},
		{&ResolutionError{What: "site"}, http.StatusNotFound, "resolution", "site not found"},
		{storageErr("insert event", cause), http.StatusInternalServerError, "storage", "storage failure"},
		{cause, http.StatusInternalServerError, "storage", "internal error"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, HTTPStatus(tc.err))
		assert.Equal(t, tc.kind, Kind(tc.err))
		if tc.err != nil {
			assert.Equal(t, tc.message, PublicMessage(tc.err))
		}
	}

	assert.ErrorIs(t, storageErr("insert event", cause), cause)
	assert.True(t, expected(&ResolutionError{What: "session"}))
	assert.False(t, expected(cause))

	n := normalize(cause)
	var se *StorageError
	assert.ErrorAs(t, n, &se)
	assert.Equal(t, "transaction", se.Op)
}
