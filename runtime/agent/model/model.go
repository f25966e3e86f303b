// Package model defines the provider-agnostic LLM boundary used by the agent
// loop. It abstracts chat completions with tool calling and text embeddings so
// the loop never couples to a specific SDK; adapters under features/model
// translate these normalized types into provider formats.
package model

import (
	"context"
	"encoding/json"
)

type (
	// Client is the contract the agent loop uses to invoke LLM calls.
	// Implementations wrap provider SDKs and must be safe for concurrent use.
	Client interface {
		// ChatComplete sends the conversation with the declared tools and
		// returns the assistant turn. A transport or provider error is fatal
		// to the calling run.
		ChatComplete(ctx context.Context, req Request) (Response, error)

		// Embed returns the embedding vector for the given text. The vector
		// dimension is provider-configured; callers validate it against the
		// expected dimension.
		Embed(ctx context.Context, text string) ([]float32, error)
	}

	// Request captures the normalized parameters of a chat completion.
	Request struct {
		// Messages is the ordered conversation history, system prompt first.
		Messages []Message

		// Tools declares the function schemas exposed to the model. Empty
		// when the model should answer without tools.
		Tools []ToolDefinition

		// ToolChoice steers tool selection; the empty value means "auto".
		ToolChoice ToolChoice

		// Temperature controls sampling. Zero uses the provider default.
		Temperature float32
	}

	// Response wraps the assistant turn produced by the model.
	Response struct {
		// Message is the assistant message. It may carry text content, tool
		// calls, or both.
		Message Message

		// Usage reports token counts when the provider exposes them.
		Usage TokenUsage
	}

	// Message mirrors one chat message. Role is one of "system", "user",
	// "assistant" or "tool".
	Message struct {
		Role    string
		Content string

		// ToolCalls lists tool invocations requested by an assistant message.
		ToolCalls []ToolCall

		// ToolCallID binds a "tool" role message to the assistant tool call
		// it answers.
		ToolCallID string
	}

	// ToolCall is a structured request from the model to invoke a named tool.
	ToolCall struct {
		// ID uniquely identifies the invocation within the conversation.
		ID string
		// Name is the declared tool name.
		Name string
		// Arguments is the raw JSON argument blob produced by the model.
		Arguments json.RawMessage
	}

	// ToolDefinition declares a callable tool to the model.
	ToolDefinition struct {
		Name        string
		Description string
		// Parameters is a JSON-schema object describing the tool arguments.
		Parameters map[string]any
	}

	// ToolChoice controls whether the model may, must not, or must call tools.
	ToolChoice string

	// TokenUsage reports token accounting for a completion.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}
)

const (
	// ToolChoiceAuto lets the model decide whether to call tools.
	ToolChoiceAuto ToolChoice = "auto"
	// ToolChoiceNone disables tool use for the request.
	ToolChoiceNone ToolChoice = "none"
)

// HasToolCalls reports whether the message requests any tool invocations.
func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }
