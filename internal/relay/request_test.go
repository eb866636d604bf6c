package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Request
		wantErr bool
	}{
		{name: "valid", body: `{"systemPrompt":"be kind","userText":"hello"}`, want: Request{SystemPrompt: "be kind", UserText: "hello"}},
		{name: "whitespace values are kept", body: `{"systemPrompt":" ","userText":"\t"}`, want: Request{SystemPrompt: " ", UserText: "\t"}},
		{name: "extra fields ignored", body: `{"systemPrompt":"s","userText":"u","mood":"grim"}`, want: Request{SystemPrompt: "s", UserText: "u"}},
		{name: "missing system prompt", body: `{"userText":"hello"}`, wantErr: true},
		{name: "missing user text", body: `{"systemPrompt":"s"}`, wantErr: true},
		{name: "empty string", body: `{"systemPrompt":"","userText":"u"}`, wantErr: true},
		{name: "null value", body: `{"systemPrompt":"s","userText":null}`, wantErr: true},
		{name: "number value", body: `{"systemPrompt":42,"userText":"u"}`, wantErr: true},
		{name: "empty body", body: ``, wantErr: true},
		{name: "whitespace body", body: "  \n", wantErr: true},
		{name: "not json", body: `systemPrompt=s&userText=u`, wantErr: true},
		{name: "array body", body: `[]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest([]byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				require.ErrorIs(t, err, ErrBadInput)
				require.Equal(t, "Missing systemPrompt or userText.", AsError(err).Message)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
