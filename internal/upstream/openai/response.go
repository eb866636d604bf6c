package openai

import (
	"github.com/ventrelay/ventrelay/internal/upstream"
)

type chatCompletionResponse struct {
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage,omitempty"`
}

type choice struct {
	Message      chatResponseMessage `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

// Content is a pointer so a null or missing field is distinguishable while
// decoding; both are treated as no reply.
type chatResponseMessage struct {
	Content *string `json:"content"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toUpstreamResponse(resp *chatCompletionResponse, raw []byte) (*upstream.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, &upstream.RawResponseError{Err: upstream.ErrEmptyResponse, Raw: raw}
	}

	first := resp.Choices[0]
	if first.Message.Content == nil || *first.Message.Content == "" {
		return nil, &upstream.RawResponseError{Err: upstream.ErrEmptyResponse, Raw: raw}
	}

	response := &upstream.Response{
		Content:      *first.Message.Content,
		FinishReason: first.FinishReason,
	}
	if resp.Usage != nil {
		response.Usage = &upstream.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	return response, nil
}
