package upstream

import (
	"encoding/json"
	"fmt"
)

// ProviderError is returned when a provider responds with a non-2xx status.
//
// RawResponse holds the provider response body bytes and must never include
// API keys.
type ProviderError struct {
	Provider    string
	StatusCode  int
	Message     string
	RawResponse []byte
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "provider error"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s request failed: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s request failed: %s", e.Provider, e.Message)
}

// Body returns the provider response body as text.
func (e *ProviderError) Body() string {
	if e == nil {
		return ""
	}
	if e.RawResponse != nil {
		return string(e.RawResponse)
	}
	return e.Message
}

// RawResponseError wraps an error with the raw response payload so callers
// can log what the provider actually sent.
type RawResponseError struct {
	Err error
	Raw json.RawMessage
}

func (e *RawResponseError) Error() string {
	if e == nil || e.Err == nil {
		return "upstream error"
	}
	return e.Err.Error()
}

func (e *RawResponseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
