package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ventrelay/ventrelay/internal/server/middleware"
)

func TestHTTPStatusFromCode(t *testing.T) {
	tests := map[string]int{
		CodeInvalidInput:       http.StatusBadRequest,
		CodeNotFound:           http.StatusNotFound,
		CodeMethodNotAllowed:   http.StatusMethodNotAllowed,
		CodeTimeout:            http.StatusGatewayTimeout,
		CodeExternalService:    http.StatusBadGateway,
		CodeServiceUnavailable: http.StatusServiceUnavailable,
		CodeInternal:           http.StatusInternalServerError,
		CodeConfigInvalid:      http.StatusInternalServerError,
		"SOMETHING_ELSE":       http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, HTTPStatusFromCode(code), code)
	}
}

func TestWrapUsesRequestID(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDContextKey, "req-123")

	env := WrapInternal(ctx, stderrors.New("disk full"), "write failed")
	assert.Equal(t, CodeInternal, env.Code)
	assert.Equal(t, "write failed", env.Message)
	assert.Equal(t, "req-123", env.CorrelationID)

	env = WrapExternalService(context.Background(), stderrors.New("refused"), "exporter down")
	assert.Equal(t, CodeExternalService, env.Code)
	assert.NotEmpty(t, env.CorrelationID)
}

func TestEnsureEnvelope(t *testing.T) {
	original := NewNotFoundError("gone")
	assert.Same(t, original, EnsureEnvelope(original))

	env := EnsureEnvelope(stderrors.New("plain"))
	assert.Equal(t, CodeInternal, env.Code)
	assert.Equal(t, "unexpected error", env.Message)

	env = EnsureEnvelope(nil)
	assert.Equal(t, CodeInternal, env.Code)
	assert.Equal(t, gferrors.SeverityCritical, env.Severity)
}

func TestRespondWithError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req = req.WithContext(context.WithValue(req.Context(), middleware.RequestIDContextKey, "req-abc"))
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, NewNotFoundError("The requested resource was not found"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeNotFound, body.Error.Code)
	assert.Equal(t, "The requested resource was not found", body.Error.Message)
	assert.Equal(t, "req-abc", body.Error.RequestID)
}

func TestResponseDetailsPrefersDetails(t *testing.T) {
	assert.Nil(t, ResponseDetails(nil))
	assert.Nil(t, ResponseDetails(NewServiceUnavailableError("x")))

	env := NewServiceUnavailableError("x")
	env.Details = map[string]interface{}{"field": "detail"}
	env.Context = map[string]interface{}{"field": "context", "wrapped_error": "cause"}
	assert.Equal(t, map[string]interface{}{"field": "detail", "wrapped_error": "cause"}, ResponseDetails(env))
}
