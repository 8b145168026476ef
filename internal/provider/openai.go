package provider

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/quietloop/quietloop/internal/config"
	"github.com/quietloop/quietloop/internal/domain"
)

// OpenAIProvider speaks the OpenAI chat-completions dialect. Pointing
// BaseURL at an OpenAI-compatible local server (ollama, llama.cpp) makes the
// same adapter serve as the cheap secondary.
type OpenAIProvider struct {
	name   string
	client *openai.Client
	model  string
}

// NewOpenAI builds a provider from configuration.
func NewOpenAI(name string, cfg config.ProviderConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		name:   name,
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

// Generate performs a single bounded completion call.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt, systemContext string) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if systemContext != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemContext,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     p.model,
		Messages:  messages,
		MaxTokens: 256,
	})
	if err != nil {
		return "", p.mapError(err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", domain.ErrProviderUnavailable(p.name, fmt.Errorf("empty completion"))
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.ErrProviderTimeout(p.name, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return domain.ErrProviderUnavailable(p.name, fmt.Errorf("api status %d: %w", apiErr.HTTPStatusCode, err))
	}
	return domain.ErrProviderUnavailable(p.name, err)
}

var _ Provider = (*OpenAIProvider)(nil)
