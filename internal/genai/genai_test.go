package genai

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/openai/openai-go"
)

// mockClient scripts the completion layer so collaborator logic can be
// tested without the OpenAI API.
type mockClient struct {
	reply      string
	replyErr   error
	toolResp   *ToolCallResponse
	toolErr    error
	lastPlain  []openai.ChatCompletionMessageParamUnion
	lastTooled []openai.ChatCompletionMessageParamUnion
}

func (m *mockClient) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	m.lastPlain = messages
	return m.reply, m.replyErr
}

func (m *mockClient) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	m.lastTooled = messages
	if m.toolErr != nil {
		return nil, m.toolErr
	}
	return m.toolResp, nil
}

func toolCallWith(name string, args map[string]interface{}) *ToolCallResponse {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return &ToolCallResponse{ToolCalls: []ToolCall{{
		ID:       "call-1",
		Function: ToolCallFunction{Name: name, Arguments: raw},
	}}}
}

var errModelDown = errors.New("model unavailable")
