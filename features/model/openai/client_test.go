package openai

import (
	"context"
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/scout/runtime/agent/model"
	"goa.design/scout/scout"
)

// mockChat captures requests and replays canned responses.
type mockChat struct {
	chatReq  openai.ChatCompletionRequest
	chatResp openai.ChatCompletionResponse
	chatErr  error

	embedReq  openai.EmbeddingRequestConverter
	embedResp openai.EmbeddingResponse
	embedErr  error
}

func (m *mockChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (
	openai.ChatCompletionResponse, error) {
	m.chatReq = req
	return m.chatResp, m.chatErr
}

func (m *mockChat) CreateEmbeddings(_ context.Context, req openai.EmbeddingRequestConverter) (
	openai.EmbeddingResponse, error) {
	m.embedReq = req
	return m.embedResp, m.embedErr
}

func newClient(t *testing.T, mock *mockChat) *Client {
	t.Helper()
	c, err := New(Options{Client: mock, Model: "gpt-4o", EmbeddingModel: "text-embedding-3-small"})
	require.NoError(t, err)
	return c
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Model: "m", EmbeddingModel: "e"})
	assert.EqualError(t, err, "openai client is required")
	_, err = New(Options{Client: &mockChat{}, EmbeddingModel: "e"})
	assert.EqualError(t, err, "chat model is required")
	_, err = New(Options{Client: &mockChat{}, Model: "m"})
	assert.EqualError(t, err, "embedding model is required")
}

func TestChatComplete(t *testing.T) {
	mock := &mockChat{
		chatResp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{
					Role: "assistant",
					ToolCalls: []openai.ToolCall{{
						ID:   "call-1",
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      "searchWeb",
							Arguments: `{"query":"acme"}`,
						},
					}},
				},
			}},
			Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		},
	}
	c := newClient(t, mock)

	resp, err := c.ChatComplete(context.Background(), model.Request{
		Messages: []model.Message{
			{Role: "system", Content: "sys"},
			{Role: "user", Content: "go"},
		},
		Tools: []model.ToolDefinition{{
			Name:       "searchWeb",
			Parameters: map[string]any{"type": "object"},
		}},
		ToolChoice: model.ToolChoiceAuto,
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", mock.chatReq.Model)
	require.Len(t, mock.chatReq.Messages, 2)
	assert.Equal(t, "system", mock.chatReq.Messages[0].Role)
	require.Len(t, mock.chatReq.Tools, 1)
	assert.Equal(t, "searchWeb", mock.chatReq.Tools[0].Function.Name)
	assert.Nil(t, mock.chatReq.ToolChoice)

	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "call-1", resp.Message.ToolCalls[0].ID)
	assert.Equal(t, "searchWeb", resp.Message.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"acme"}`, string(resp.Message.ToolCalls[0].Arguments))
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestChatCompleteToolChoiceNone(t *testing.T) {
	mock := &mockChat{
		chatResp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: "assistant", Content: "summary"},
			}},
		},
	}
	c := newClient(t, mock)

	resp, err := c.ChatComplete(context.Background(), model.Request{
		Messages: []model.Message{{Role: "user", Content: "summarize"}},
		Tools: []model.ToolDefinition{{
			Name:       "searchWeb",
			Parameters: map[string]any{"type": "object"},
		}},
		ToolChoice: model.ToolChoiceNone,
	})
	require.NoError(t, err)
	assert.Equal(t, "none", mock.chatReq.ToolChoice)
	assert.Equal(t, "summary", resp.Message.Content)
}

func TestChatCompleteToolChoiceNoneWithoutTools(t *testing.T) {
	mock := &mockChat{
		chatResp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: "assistant", Content: "summary"},
			}},
		},
	}
	c := newClient(t, mock)

	_, err := c.ChatComplete(context.Background(), model.Request{
		Messages:   []model.Message{{Role: "user", Content: "summarize"}},
		ToolChoice: model.ToolChoiceNone,
	})
	require.NoError(t, err)
	assert.Nil(t, mock.chatReq.Tools)
	assert.Nil(t, mock.chatReq.ToolChoice)
}

func TestChatCompleteValidation(t *testing.T) {
	c := newClient(t, &mockChat{})
	_, err := c.ChatComplete(context.Background(), model.Request{})
	assert.EqualError(t, err, "messages are required")

	c = newClient(t, &mockChat{chatResp: openai.ChatCompletionResponse{}})
	_, err = c.ChatComplete(context.Background(), model.Request{
		Messages: []model.Message{{Role: "user", Content: "x"}},
	})
	assert.EqualError(t, err, "openai chat completion: empty choices")
}

func TestChatCompleteEncodesToolResults(t *testing.T) {
	mock := &mockChat{
		chatResp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: "assistant", Content: "done"},
			}},
		},
	}
	c := newClient(t, mock)

	_, err := c.ChatComplete(context.Background(), model.Request{
		Messages: []model.Message{
			{Role: "assistant", ToolCalls: []model.ToolCall{{
				ID: "call-1", Name: "searchWeb", Arguments: json.RawMessage(`{"query":"q"}`),
			}}},
			{Role: "tool", ToolCallID: "call-1", Content: `{"results":[]}`},
		},
	})
	require.NoError(t, err)

	require.Len(t, mock.chatReq.Messages, 2)
	require.Len(t, mock.chatReq.Messages[0].ToolCalls, 1)
	assert.Equal(t, "call-1", mock.chatReq.Messages[0].ToolCalls[0].ID)
	assert.Equal(t, "call-1", mock.chatReq.Messages[1].ToolCallID)
}

func TestEmbed(t *testing.T) {
	vec := make([]float32, scout.EmbeddingDim)
	vec[0] = 0.5
	mock := &mockChat{
		embedResp: openai.EmbeddingResponse{
			Data: []openai.Embedding{{Embedding: vec}},
		},
	}
	c := newClient(t, mock)

	got, err := c.Embed(context.Background(), "a summary")
	require.NoError(t, err)
	assert.Equal(t, vec, got)

	req, ok := mock.embedReq.(openai.EmbeddingRequest)
	require.True(t, ok)
	assert.Equal(t, openai.EmbeddingModel("text-embedding-3-small"), req.Model)
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	mock := &mockChat{
		embedResp: openai.EmbeddingResponse{
			Data: []openai.Embedding{{Embedding: []float32{1, 2, 3}}},
		},
	}
	c := newClient(t, mock)

	_, err := c.Embed(context.Background(), "a summary")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 3 dimensions")
}

func TestEmbedValidation(t *testing.T) {
	c := newClient(t, &mockChat{})
	_, err := c.Embed(context.Background(), "")
	assert.EqualError(t, err, "text is required")
}
