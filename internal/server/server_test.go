package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ventrelay/ventrelay/internal/config"
	apperrors "github.com/ventrelay/ventrelay/internal/errors"
	"github.com/ventrelay/ventrelay/internal/relay"
	"github.com/ventrelay/ventrelay/internal/upstream/openai"
)

type fakeUpstream struct {
	*httptest.Server
	calls   atomic.Int32
	status  int
	body    string
	lastReq atomic.Value // map[string]any
	lastKey atomic.Value // string
}

func newFakeUpstream(t *testing.T, status int, body string) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{status: status, body: body}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		f.lastKey.Store(r.Header.Get("Authorization"))

		var payload map[string]any
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &payload)
		f.lastReq.Store(payload)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		_, _ = io.WriteString(w, f.body)
	}))
	t.Cleanup(f.Close)
	return f
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:         "127.0.0.1",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  5 * time.Second,
			MaxBodyBytes: 100 * 1024,
		},
		Upstream: config.UpstreamConfig{
			APIKey:      "sk-test",
			BaseURL:     baseURL,
			Model:       "gpt-3.5-turbo",
			MaxTokens:   180,
			Temperature: 0.95,
			Timeout:     2 * time.Second,
		},
		RateLimit: config.RateLimitConfig{Requests: 30, Window: time.Minute},
	}
}

func newTestServer(cfg *config.Config) *Server {
	client := openai.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.APIKey)
	client.Timeout = cfg.Upstream.Timeout
	temp := cfg.Upstream.Temperature
	svc := relay.NewService(client, relay.NewLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window), relay.Options{
		Secret:      cfg.Auth.AppSecret,
		Model:       cfg.Upstream.Model,
		MaxTokens:   cfg.Upstream.MaxTokens,
		Temperature: &temp,
	})
	return New(cfg, svc)
}

func vent(t *testing.T, h http.Handler, body string, headers map[string]string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/vent", strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:40000"
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out struct {
		Reply string `json:"reply"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out.Reply
}

const goodBody = `{"systemPrompt":"You are a kind listener.","userText":"Work was brutal."}`

func TestVentRelaysToUpstream(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":"  That sounds exhausting.  "}}]}`)
	srv := newTestServer(testConfig(up.URL))

	rec, reply := vent(t, srv.Handler(), goodBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "That sounds exhausting.", reply)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	assert.Equal(t, "Bearer sk-test", up.lastKey.Load())
	payload := up.lastReq.Load().(map[string]any)
	assert.Equal(t, "gpt-3.5-turbo", payload["model"])
	assert.EqualValues(t, 180, payload["max_tokens"])
	assert.InDelta(t, 0.95, payload["temperature"], 1e-9)
	messages := payload["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, map[string]any{"role": "system", "content": "You are a kind listener."}, messages[0])
	assert.Equal(t, map[string]any{"role": "user", "content": "Work was brutal."}, messages[1])
}

func TestVentErrorTable(t *testing.T) {
	tests := []struct {
		name       string
		upStatus   int
		upBody     string
		secret     string
		headers    map[string]string
		body       string
		wantStatus int
		wantReply  string
		wantCalls  int32
	}{
		{
			name:       "wrong secret",
			secret:     "s3cret",
			headers:    map[string]string{"X-App-Secret": "nope"},
			body:       goodBody,
			wantStatus: http.StatusUnauthorized,
			wantReply:  "Unauthorized.",
		},
		{
			name:       "missing user text",
			body:       `{"systemPrompt":"x"}`,
			wantStatus: http.StatusBadRequest,
			wantReply:  "Missing systemPrompt or userText.",
		},
		{
			name:       "upstream non-2xx echoes raw body",
			upStatus:   http.StatusTooManyRequests,
			upBody:     `{"error":{"message":"quota"}}`,
			body:       goodBody,
			wantStatus: http.StatusInternalServerError,
			wantReply:  `AI backend error: {"error":{"message":"quota"}}`,
			wantCalls:  1,
		},
		{
			name:       "no choices",
			upStatus:   http.StatusOK,
			upBody:     `{"choices":[]}`,
			body:       goodBody,
			wantStatus: http.StatusInternalServerError,
			wantReply:  "AI gave no response.",
			wantCalls:  1,
		},
		{
			name:       "null content",
			upStatus:   http.StatusOK,
			upBody:     `{"choices":[{"message":{"content":null}}]}`,
			body:       goodBody,
			wantStatus: http.StatusInternalServerError,
			wantReply:  "AI gave no response.",
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := tt.upStatus
			if status == 0 {
				status = http.StatusOK
			}
			body := tt.upBody
			if body == "" {
				body = `{"choices":[{"message":{"content":"ok"}}]}`
			}
			up := newFakeUpstream(t, status, body)
			cfg := testConfig(up.URL)
			cfg.Auth.AppSecret = tt.secret
			srv := newTestServer(cfg)

			rec, reply := vent(t, srv.Handler(), tt.body, tt.headers)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantReply, reply)
			assert.Equal(t, tt.wantCalls, up.calls.Load())
		})
	}
}

func TestVentRateLimitPerCaller(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{"choices":[{"message":{"content":"ok"}}]}`)
	srv := newTestServer(testConfig(up.URL))

	for i := 0; i < 30; i++ {
		rec, _ := vent(t, srv.Handler(), goodBody, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, reply := vent(t, srv.Handler(), goodBody, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many requests. Please slow down.", reply)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.EqualValues(t, 30, up.calls.Load())
}

func TestVentIgnoresForwardedForUnlessTrusted(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{"choices":[{"message":{"content":"ok"}}]}`)
	cfg := testConfig(up.URL)
	cfg.RateLimit.Requests = 1

	t.Run("untrusted", func(t *testing.T) {
		srv := newTestServer(cfg)
		rec, _ := vent(t, srv.Handler(), goodBody, map[string]string{"X-Forwarded-For": "10.0.0.1"})
		require.Equal(t, http.StatusOK, rec.Code)
		// spoofing a new forwarded address does not buy a fresh quota
		rec, _ = vent(t, srv.Handler(), goodBody, map[string]string{"X-Forwarded-For": "10.0.0.2"})
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("trusted", func(t *testing.T) {
		trusted := *cfg
		trusted.Server.TrustProxy = true
		srv := newTestServer(&trusted)
		rec, _ := vent(t, srv.Handler(), goodBody, map[string]string{"X-Forwarded-For": "10.0.0.1"})
		require.Equal(t, http.StatusOK, rec.Code)
		rec, _ = vent(t, srv.Handler(), goodBody, map[string]string{"X-Forwarded-For": "10.0.0.2"})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestVentCORS(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{"choices":[{"message":{"content":"ok"}}]}`)

	preflight := func(srv *Server, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/vent", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "Content-Type, X-App-Secret")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	t.Run("any origin by default", func(t *testing.T) {
		cfg := testConfig(up.URL)
		cfg.CORS.AllowedOrigin = "https://vent.example"
		rec := preflight(newTestServer(cfg), "https://elsewhere.example")
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("enforced origin", func(t *testing.T) {
		cfg := testConfig(up.URL)
		cfg.CORS = config.CORSConfig{AllowedOrigin: "https://vent.example", Enforce: true}
		srv := newTestServer(cfg)

		assert.Equal(t, "https://vent.example", preflight(srv, "https://vent.example").Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, preflight(srv, "https://elsewhere.example").Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestAdminSignalEndpoint(t *testing.T) {
	post := func(srv *Server, auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/admin/signal", strings.NewReader(`{"signal":"SIGHUP"}`))
		req.Header.Set("Content-Type", "application/json")
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	t.Run("disabled without token", func(t *testing.T) {
		srv := newTestServer(testConfig("http://127.0.0.1:1"))
		assert.Equal(t, http.StatusNotFound, post(srv, "").Code)
	})

	t.Run("requires bearer token", func(t *testing.T) {
		cfg := testConfig("http://127.0.0.1:1")
		cfg.Admin.Token = "tok"
		srv := newTestServer(cfg)

		assert.Equal(t, http.StatusUnauthorized, post(srv, "").Code)
		assert.Equal(t, http.StatusUnauthorized, post(srv, "Bearer wrong").Code)
	})
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := newTestServer(testConfig("http://127.0.0.1:1"))

	t.Run("not found", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)

		var body apperrors.HTTPErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "NOT_FOUND", body.Error.Code)
		assert.NotEmpty(t, body.Error.RequestID)
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/vent", nil))
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

		var body apperrors.HTTPErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
	})
}

func TestServerLifecycle(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{"choices":[{"message":{"content":"hi"}}]}`)
	srv := newTestServer(testConfig(up.URL))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health/startup")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ln.Addr().String(), srv.Addr())

	resp, err := http.Post(base+"/vent", "application/json", strings.NewReader(goodBody))
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"reply":"hi"}`, string(raw))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.True(t, errors.Is(<-done, http.ErrServerClosed))
}
