package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, MissingHeader.HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, QuotaExceeded.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, CircuitOpen.HTTPStatus())
	assert.Equal(t, http.StatusBadGateway, UnitUnreachable.HTTPStatus())
	assert.Equal(t, http.StatusConflict, IdempotentConflict.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, Code("SOMETHING_ELSE").HTTPStatus())
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("forward: %w", Newf(CircuitOpen, "breaker for %s is open", "erp"))
	assert.True(t, errors.Is(err, New(CircuitOpen, "")))
	assert.False(t, errors.Is(err, New(UnitUnavailable, "")))
	assert.True(t, HasCode(err, CircuitOpen))
	assert.Equal(t, CircuitOpen, CodeOf(err))
	assert.Equal(t, Internal, CodeOf(errors.New("plain")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(UnitUnreachable, cause, "erp unreachable")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWithCopiesDetails(t *testing.T) {
	base := New(RateLimited, "slow down").With("scope", "ip")
	derived := base.With("retry_after", 3)
	assert.Len(t, base.Details, 1)
	assert.Len(t, derived.Details, 2)
}

func TestWriteRendersEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, New(MissingHeader, "X-Request-ID is required").With("header", "X-Request-ID"), "req-9")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, MissingHeader, env.Error.Code)
	assert.Equal(t, "req-9", env.Error.RequestID)
	assert.Equal(t, "X-Request-ID", env.Error.Details["header"])
}

func TestWriteHidesUntypedErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, errors.New("pq: password authentication failed"), "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}
