// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions and Embeddings APIs using github.com/sashabaranov/go-openai.
// It supports two provider configurations: "direct" (model name travels in the
// request body against a single base URL) and "deployment" (Azure-style URLs
// where the deployment name is part of the path and an api-version query
// parameter is required).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/scout/runtime/agent/model"
	"goa.design/scout/scout"
)

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
	CreateEmbeddings(ctx context.Context, request openai.EmbeddingRequestConverter) (
		openai.EmbeddingResponse, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	// Client is the underlying go-openai client. Required.
	Client ChatClient
	// Model is the chat model identifier (or deployment name in Azure mode).
	Model string
	// EmbeddingModel is the embeddings model identifier (or deployment name).
	EmbeddingModel string
	// Timeout bounds each provider call. Defaults to 60s.
	Timeout time.Duration
}

// DirectConfig describes the "direct" provider mode.
type DirectConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
}

// DeploymentConfig describes the Azure-style "deployment" provider mode.
type DeploymentConfig struct {
	APIKey              string
	Endpoint            string
	APIVersion          string
	Deployment          string
	EmbeddingDeployment string
}

// Client implements model.Client via the OpenAI APIs.
type Client struct {
	chat           ChatClient
	model          string
	embeddingModel string
	timeout        time.Duration
}

const defaultCallTimeout = 60 * time.Second

// New builds an adapter from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("chat model is required")
	}
	if opts.EmbeddingModel == "" {
		return nil, errors.New("embedding model is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Client{
		chat:           opts.Client,
		model:          opts.Model,
		embeddingModel: opts.EmbeddingModel,
		timeout:        timeout,
	}, nil
}

// NewDirect constructs a client for the direct mode: the model identifier is
// sent in the request body and all calls target a single base URL.
func NewDirect(cfg DirectConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = cfg.BaseURL
	}
	return New(Options{
		Client:         openai.NewClientWithConfig(conf),
		Model:          cfg.Model,
		EmbeddingModel: cfg.EmbeddingModel,
	})
}

// NewDeployment constructs a client for the Azure-style deployment mode: the
// deployment name appears in the URL path, the request body omits the model
// and the api-version query parameter is mandatory.
func NewDeployment(cfg DeploymentConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.APIVersion == "" {
		return nil, errors.New("api version is required")
	}
	conf := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	conf.APIVersion = cfg.APIVersion
	return New(Options{
		Client:         openai.NewClientWithConfig(conf),
		Model:          cfg.Deployment,
		EmbeddingModel: cfg.EmbeddingDeployment,
	})
}

// ChatComplete renders a chat completion with the configured model.
func (c *Client) ChatComplete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("messages are required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    encodeMessages(req.Messages),
		Temperature: req.Temperature,
		Tools:       encodeTools(req.Tools),
	}
	switch req.ToolChoice {
	case "", model.ToolChoiceAuto:
		// Auto is the provider default; omit ToolChoice.
	case model.ToolChoiceNone:
		// The API rejects tool_choice on requests that declare no tools.
		if len(request.Tools) > 0 {
			request.ToolChoice = "none"
		}
	default:
		return model.Response{}, fmt.Errorf("openai: unsupported tool choice %q", req.ToolChoice)
	}

	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return model.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return model.Response{}, errors.New("openai chat completion: empty choices")
	}
	return translateResponse(response), nil
}

// Embed returns the embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("text is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	response, err := c.chat.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(response.Data) == 0 {
		return nil, errors.New("openai embeddings: empty response")
	}
	vector := response.Data[0].Embedding
	if len(vector) != scout.EmbeddingDim {
		return nil, fmt.Errorf("openai embeddings: got %d dimensions, want %d",
			len(vector), scout.EmbeddingDim)
	}
	return vector, nil
}

func encodeMessages(msgs []model.Message) []openai.ChatCompletionMessage {
	encoded := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(call.Arguments),
				},
			})
		}
		encoded = append(encoded, out)
	}
	return encoded
}

func encodeTools(defs []model.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		params, err := json.Marshal(def.Parameters)
		if err != nil {
			continue
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools
}

func translateResponse(resp openai.ChatCompletionResponse) model.Response {
	choice := resp.Choices[0].Message
	msg := model.Message{
		Role:    choice.Role,
		Content: choice.Content,
	}
	for _, call := range choice.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}
	return model.Response{
		Message: msg,
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
}
