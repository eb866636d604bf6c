package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Request is a validated relay request.
type Request struct {
	SystemPrompt string `json:"systemPrompt"`
	UserText     string `json:"userText"`
}

// wireRequest keeps the raw field values so a null, a number or an absent
// field can be told apart from a string.
type wireRequest struct {
	SystemPrompt json.RawMessage `json:"systemPrompt"`
	UserText     json.RawMessage `json:"userText"`
}

var (
	errEmptyBody    = errors.New("request body is empty")
	errMissingField = errors.New("field is missing or empty")
)

// ParseRequest decodes and validates a relay request body. Both fields must
// be non-empty JSON strings; whitespace-only values are accepted.
func ParseRequest(body []byte) (Request, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return Request{}, badInput(errEmptyBody)
	}

	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return Request{}, badInput(fmt.Errorf("decode body: %w", err))
	}

	system, err := requiredString("systemPrompt", wire.SystemPrompt)
	if err != nil {
		return Request{}, badInput(err)
	}
	user, err := requiredString("userText", wire.UserText)
	if err != nil {
		return Request{}, badInput(err)
	}

	return Request{SystemPrompt: system, UserText: user}, nil
}

func requiredString(name string, raw json.RawMessage) (string, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("%s: %w", name, errMissingField)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%s: must be a string", name)
	}
	if s == "" {
		return "", fmt.Errorf("%s: %w", name, errMissingField)
	}
	return s, nil
}
