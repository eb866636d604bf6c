package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/telemetry"
	telemetrytesting "github.com/fulmenhq/gofulmen/telemetry/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ventrelay/ventrelay/internal/metrics"
	"github.com/ventrelay/ventrelay/internal/observability"
	"github.com/ventrelay/ventrelay/internal/relay"
	"github.com/ventrelay/ventrelay/internal/upstream"
)

type fakeDriver struct {
	calls    atomic.Int32
	complete func(ctx context.Context, req *upstream.Request) (*upstream.Response, error)
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Complete(ctx context.Context, req *upstream.Request) (*upstream.Response, error) {
	d.calls.Add(1)
	return d.complete(ctx, req)
}

func replying(text string) *fakeDriver {
	return &fakeDriver{complete: func(context.Context, *upstream.Request) (*upstream.Response, error) {
		return &upstream.Response{Content: text, Usage: &upstream.Usage{PromptTokens: 3, CompletionTokens: 2}}, nil
	}}
}

func newRelayHandler(driver upstream.Driver, secret string, limit int) *RelayHandler {
	svc := relay.NewService(driver, relay.NewLimiter(limit, time.Minute), relay.Options{Secret: secret})
	return NewRelayHandler(svc, 0)
}

func postVent(h http.Handler, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/vent", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:51234"
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeReply(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1, "body must only carry reply: %s", rec.Body.String())
	reply, ok := body["reply"].(string)
	require.True(t, ok)
	return reply
}

const ventBody = `{"systemPrompt":"be gentle","userText":"long day"}`

func TestRelayHandlerSuccess(t *testing.T) {
	h := newRelayHandler(replying("\n  You made it through.  \n"), "", 30)

	rec := postVent(h, ventBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "You made it through.", decodeReply(t, rec))
}

func TestRelayHandlerSecret(t *testing.T) {
	driver := replying("ok")
	h := newRelayHandler(driver, "s3cret", 30)

	rec := postVent(h, ventBody)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized.", decodeReply(t, rec))

	rec = postVent(h, ventBody, func(r *http.Request) { r.Header.Set(SecretHeader, "s3cret") })
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, driver.calls.Load())
}

func TestRelayHandlerRateLimit(t *testing.T) {
	driver := replying("ok")
	h := newRelayHandler(driver, "", 30)

	for i := 0; i < 30; i++ {
		rec := postVent(h, ventBody)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := postVent(h, ventBody)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many requests. Please slow down.", decodeReply(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.EqualValues(t, 30, driver.calls.Load())

	// other callers are unaffected
	rec = postVent(h, ventBody, func(r *http.Request) { r.RemoteAddr = "198.51.100.2:4000" })
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRelayHandlerBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing field", `{"systemPrompt":"s"}`},
		{"empty body", ``},
		{"malformed json", `{"systemPrompt":`},
		{"null field", `{"systemPrompt":"s","userText":null}`},
		{"too large", `{"systemPrompt":"s","userText":"` + strings.Repeat("x", int(DefaultMaxBodyBytes)) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver := replying("ok")
			h := newRelayHandler(driver, "", 30)

			rec := postVent(h, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "Missing systemPrompt or userText.", decodeReply(t, rec))
			assert.EqualValues(t, 0, driver.calls.Load())
		})
	}
}

func TestRelayHandlerUpstreamFailures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantReply string
	}{
		{
			name:      "provider error body echoed",
			err:       &upstream.ProviderError{Provider: "openai", StatusCode: 401, RawResponse: []byte(`{"error":{"message":"bad key"}}`)},
			wantReply: `AI backend error: {"error":{"message":"bad key"}}`,
		},
		{
			name:      "empty reply",
			err:       &upstream.RawResponseError{Err: upstream.ErrEmptyResponse, Raw: []byte(`{"choices":[]}`)},
			wantReply: "AI gave no response.",
		},
		{
			name:      "transport failure",
			err:       errors.New("dial tcp: connection refused"),
			wantReply: "Server error: dial tcp: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver := &fakeDriver{complete: func(context.Context, *upstream.Request) (*upstream.Response, error) {
				return nil, tt.err
			}}
			rec := postVent(newRelayHandler(driver, "", 30), ventBody)
			require.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Equal(t, tt.wantReply, decodeReply(t, rec))
		})
	}
}

func TestRelayHandlerRecoversPanics(t *testing.T) {
	driver := &fakeDriver{complete: func(context.Context, *upstream.Request) (*upstream.Response, error) {
		panic("driver exploded")
	}}

	rec := postVent(newRelayHandler(driver, "", 30), ventBody)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Server error: panic: driver exploded", decodeReply(t, rec))
}

func TestRelayHandlerIgnoresCallerCancellation(t *testing.T) {
	var sawCancel atomic.Bool
	driver := &fakeDriver{complete: func(ctx context.Context, _ *upstream.Request) (*upstream.Response, error) {
		sawCancel.Store(ctx.Err() != nil)
		return &upstream.Response{Content: "still here"}, nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodPost, "/vent", strings.NewReader(ventBody)).WithContext(ctx)
	rec := httptest.NewRecorder()
	newRelayHandler(driver, "", 30).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, sawCancel.Load())
}

func TestClientID(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"203.0.113.7:51234", "203.0.113.7"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"203.0.113.7", "203.0.113.7"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/vent", nil)
		req.RemoteAddr = tt.remote
		assert.Equal(t, tt.want, ClientID(req), tt.remote)
	}
}

func setupTelemetry(t *testing.T) *telemetrytesting.FakeCollector {
	t.Helper()

	collector := telemetrytesting.NewFakeCollector()
	sys, err := telemetry.NewSystem(&telemetry.Config{
		Enabled: true,
		Emitter: collector,
	})
	require.NoError(t, err)

	original := observability.TelemetrySystem
	observability.UseTelemetry(sys)
	t.Cleanup(func() {
		observability.UseTelemetry(original)
	})

	return collector
}

func TestRelayHandlerRecordsUpstreamDurationForEveryOutcome(t *testing.T) {
	slow := func(resp *upstream.Response, err error) *fakeDriver {
		return &fakeDriver{complete: func(context.Context, *upstream.Request) (*upstream.Response, error) {
			time.Sleep(2 * time.Millisecond)
			return resp, err
		}}
	}

	tests := []struct {
		name   string
		driver *fakeDriver
		status int
	}{
		{"success", slow(&upstream.Response{Content: "ok"}, nil), http.StatusOK},
		{"upstream error", slow(nil, &upstream.ProviderError{Provider: "fake", StatusCode: 502, RawResponse: []byte("bad gateway")}), http.StatusInternalServerError},
		{"empty reply", slow(&upstream.Response{}, nil), http.StatusInternalServerError},
		{"transport failure", slow(nil, errors.New("connection reset")), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector := setupTelemetry(t)
			h := newRelayHandler(tt.driver, "", 30)

			rec := postVent(h, ventBody)
			require.Equal(t, tt.status, rec.Code)
			assert.Equal(t, 1, collector.CountMetricsByName(metrics.RelayUpstreamDurationMs))
			assert.Equal(t, 1, collector.CountMetricsByName(metrics.RelayOutcomesTotal))
		})
	}

	t.Run("rejected before the upstream call", func(t *testing.T) {
		collector := setupTelemetry(t)
		driver := replying("ok")
		h := newRelayHandler(driver, "", 30)

		rec := postVent(h, `{}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, 0, collector.CountMetricsByName(metrics.RelayUpstreamDurationMs))
		assert.Equal(t, int32(0), driver.calls.Load())
	})
}
