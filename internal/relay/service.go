// Package relay implements the vent relay pipeline: shared-secret check,
// per-caller rate limit, input validation, one upstream chat completion and
// reply extraction.
package relay

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/ventrelay/ventrelay/internal/upstream"
)

// Generation defaults sent with every upstream request.
const (
	DefaultModel       = "gpt-3.5-turbo"
	DefaultMaxTokens   = 180
	DefaultTemperature = 0.95
)

// Options configures a Service.
type Options struct {
	// Secret, when non-empty, must match the inbound X-App-Secret exactly.
	Secret      string
	Model       string
	MaxTokens   int
	// Temperature is optional so an explicit zero can be configured.
	Temperature *float64
}

// Inbound is what the transport hands to the service for one request.
type Inbound struct {
	Secret   string
	ClientID string
	Body     []byte
}

// Result is a successful relay outcome.
type Result struct {
	Reply    string
	Usage    *upstream.Usage
	Upstream time.Duration
}

// Service runs the relay pipeline. It owns the rate-limit table for the
// lifetime of the process.
type Service struct {
	driver  upstream.Driver
	limiter *Limiter
	opts    Options
}

// NewService wires a service to a driver and a limiter.
func NewService(driver upstream.Driver, limiter *Limiter, opts Options) *Service {
	if strings.TrimSpace(opts.Model) == "" {
		opts.Model = DefaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Temperature == nil {
		t := DefaultTemperature
		opts.Temperature = &t
	}
	if limiter == nil {
		limiter = NewLimiter(DefaultRateLimit, DefaultRateWindow)
	}
	return &Service{driver: driver, limiter: limiter, opts: opts}
}

// Limiter exposes the rate-limit table, e.g. for sweeping and metrics.
func (s *Service) Limiter() *Limiter { return s.limiter }

// Model is the upstream model every request is sent with.
func (s *Service) Model() string { return s.opts.Model }

// Authorize reports whether the supplied secret is acceptable.
func (s *Service) Authorize(supplied string) bool {
	if s.opts.Secret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(s.opts.Secret)) == 1
}

// Handle runs one request through the pipeline. Every failure is a *Error.
//
// The rate-limit entry is recorded once the caller is admitted and stays
// recorded even when validation or the upstream call fails afterwards.
func (s *Service) Handle(ctx context.Context, in Inbound) (*Result, error) {
	if !s.Authorize(in.Secret) {
		return nil, ErrUnauthorized
	}

	decision := s.limiter.Allow(in.ClientID)
	if !decision.Allowed {
		return nil, &Error{
			Kind:       KindRateLimited,
			Message:    ErrRateLimited.Message,
			Detail:     decision.RetryAfter.String(),
			RetryAfter: decision.RetryAfter,
		}
	}

	req, err := ParseRequest(in.Body)
	if err != nil {
		return nil, err
	}

	return s.complete(ctx, req)
}

func (s *Service) complete(ctx context.Context, req Request) (*Result, error) {
	if s.driver == nil {
		return nil, Internal(errors.New("upstream driver not configured"))
	}

	maxTokens := s.opts.MaxTokens
	temperature := *s.opts.Temperature
	start := time.Now()

	resp, err := s.driver.Complete(ctx, &upstream.Request{
		Model: s.opts.Model,
		Messages: []upstream.Message{
			{Role: upstream.RoleSystem, Content: req.SystemPrompt},
			{Role: upstream.RoleUser, Content: req.UserText},
		},
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	})
	elapsed := time.Since(start)
	if err != nil {
		rerr := mapUpstreamError(err)
		rerr.Upstream = elapsed
		return nil, rerr
	}
	if resp == nil || resp.Content == "" {
		rerr := emptyReply("", upstream.ErrEmptyResponse)
		rerr.Upstream = elapsed
		return nil, rerr
	}

	return &Result{
		Reply:    strings.TrimSpace(resp.Content),
		Usage:    resp.Usage,
		Upstream: elapsed,
	}, nil
}

func mapUpstreamError(err error) *Error {
	var perr *upstream.ProviderError
	if errors.As(err, &perr) && perr != nil {
		return upstreamFailure(perr.Body(), err)
	}

	if errors.Is(err, upstream.ErrEmptyResponse) {
		var raw *upstream.RawResponseError
		if errors.As(err, &raw) && raw != nil {
			return emptyReply(string(raw.Raw), err)
		}
		return emptyReply("", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return upstreamFailure("upstream request timed out", err)
	}

	return Internal(err)
}
