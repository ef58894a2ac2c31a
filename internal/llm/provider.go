package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Provider answers a single system/user prompt pair with a short text
// completion.
type Provider interface {
	Name() string
	Ask(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

type chatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIProvider talks to any OpenAI-protocol chat endpoint. The Grok
// provider is the same client pointed at the xAI base URL.
type OpenAIProvider struct {
	client    chatClient
	name      string
	model     string
	maxTokens int
}

// NewOpenAIProvider builds a provider for the given endpoint. An empty
// baseURL keeps the OpenAI default.
func NewOpenAIProvider(name, apiKey, baseURL, model string, maxTokens int) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client:    openai.NewClientWithConfig(cfg),
		name:      name,
		model:     model,
		maxTokens: maxTokens,
	}
}

// NewProviderWithClient wires an explicit chat client, used by tests.
func NewProviderWithClient(name string, client chatClient, model string, maxTokens int) *OpenAIProvider {
	if client == nil {
		panic("llm: chat client cannot be nil")
	}
	return &OpenAIProvider{client: client, name: name, model: model, maxTokens: maxTokens}
}

// Name returns the provider tag reported to callers.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Ask runs one chat completion and returns the trimmed text.
func (p *OpenAIProvider) Ask(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	}
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("llm: %s completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: " + p.name + " returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
