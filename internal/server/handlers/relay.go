package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ventrelay/ventrelay/internal/metrics"
	"github.com/ventrelay/ventrelay/internal/observability"
	"github.com/ventrelay/ventrelay/internal/relay"
	"github.com/ventrelay/ventrelay/internal/server/middleware"
)

// SecretHeader carries the shared secret on /vent.
const SecretHeader = "X-App-Secret"

// DefaultMaxBodyBytes caps the /vent request body.
const DefaultMaxBodyBytes int64 = 100 * 1024

// ReplyResponse is the only body shape /vent ever returns.
type ReplyResponse struct {
	Reply string `json:"reply"`
}

// RelayHandler serves POST /vent.
type RelayHandler struct {
	svc          *relay.Service
	maxBodyBytes int64
}

// NewRelayHandler wraps svc. maxBodyBytes <= 0 uses DefaultMaxBodyBytes.
func NewRelayHandler(svc *relay.Service, maxBodyBytes int64) *RelayHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &RelayHandler{svc: svc, maxBodyBytes: maxBodyBytes}
}

func (h *RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	clientID := ClientID(r)

	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			metrics.RecordPanic("relay")
			err := relay.Internal(fmt.Errorf("panic: %v", rec))
			h.fail(w, requestID, clientID, err)
		}
	}()

	// A body that cannot be read is treated as empty so the secret and rate
	// limit checks still run first and the caller sees the usual 400.
	body, readErr := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if readErr != nil {
		var tooLarge *http.MaxBytesError
		if logger := observability.ServerLogger; logger != nil {
			logger.Debug("Discarding unreadable request body",
				zap.String("requestID", requestID),
				zap.Bool("too_large", errors.As(readErr, &tooLarge)),
				zap.Error(readErr),
			)
		}
		body = nil
	}

	// The upstream call runs to completion even if the caller goes away.
	ctx := context.WithoutCancel(r.Context())

	res, err := h.svc.Handle(ctx, relay.Inbound{
		Secret:   r.Header.Get(SecretHeader),
		ClientID: clientID,
		Body:     body,
	})
	metrics.SetRateLimitKeys(h.svc.Limiter().Len())

	if err != nil {
		h.fail(w, requestID, clientID, relay.AsError(err))
		return
	}

	metrics.RecordRelayOutcome(metrics.OutcomeSuccess)
	metrics.RecordUpstreamDuration(h.svc.Model(), metrics.OutcomeSuccess, res.Upstream)
	if res.Usage != nil {
		metrics.RecordTokens(h.svc.Model(), res.Usage.PromptTokens, res.Usage.CompletionTokens)
	}
	if logger := observability.ServerLogger; logger != nil {
		logger.Debug("Relay completed",
			zap.String("requestID", requestID),
			zap.String("client", clientID),
			zap.Duration("upstream", res.Upstream),
			zap.Int("reply_len", len(res.Reply)),
		)
	}

	writeReply(w, http.StatusOK, res.Reply)
}

func (h *RelayHandler) fail(w http.ResponseWriter, requestID, clientID string, rerr *relay.Error) {
	status := rerr.Kind.HTTPStatus()
	outcome := rerr.Kind.String()

	metrics.RecordRelayOutcome(outcome)
	metrics.RecordError(strings.ToUpper(outcome), status)
	if rerr.Upstream > 0 {
		metrics.RecordUpstreamDuration(h.svc.Model(), outcome, rerr.Upstream)
	}

	if rerr.Kind == relay.KindRateLimited {
		w.Header().Set("Retry-After", retryAfterSeconds(rerr))
	}

	logRelayFailure(requestID, clientID, status, rerr)
	writeReply(w, status, rerr.Message)
}

func logRelayFailure(requestID, clientID string, status int, rerr *relay.Error) {
	logger := observability.ServerLogger
	if logger == nil {
		return
	}

	fields := []zap.Field{
		zap.String("requestID", requestID),
		zap.String("client", clientID),
		zap.String("outcome", rerr.Kind.String()),
		zap.Int("status", status),
	}
	if rerr.Detail != "" {
		fields = append(fields, zap.String("detail", rerr.Detail))
	}
	if rerr.Err != nil {
		fields = append(fields, zap.Error(rerr.Err))
	}

	if status >= http.StatusInternalServerError {
		logger.Error("Relay request failed", fields...)
		return
	}
	logger.Warn("Relay request rejected", fields...)
}

func retryAfterSeconds(rerr *relay.Error) string {
	secs := int(math.Ceil(rerr.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func writeReply(w http.ResponseWriter, status int, reply string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ReplyResponse{Reply: reply})
}

// ClientID is the rate-limit key for r: the host part of RemoteAddr, or the
// whole value when it carries no port (as after chi's RealIP).
func ClientID(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	return addr
}
