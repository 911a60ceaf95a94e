// Package openai adapts council member calls to OpenAI-shaped chat
// completion APIs via github.com/sashabaranov/go-openai. The same adapter
// serves api.openai.com and any OpenAI-compatible upstream with its own base
// URL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/quorumlabs/councilproxy/internal/domain"
	"github.com/quorumlabs/councilproxy/internal/service"
)

// ChatClient is the subset of the go-openai client the adapter uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Adapter implements service.ProviderAdapter for chat-completions APIs. It
// never retries; the provider pool owns the retry loop.
type Adapter struct {
	chat        ChatClient
	name        string
	temperature float32
}

func New(chat ChatClient, name string) *Adapter {
	return &Adapter{chat: chat, name: name, temperature: 0.7}
}

// NewFromAPIKey builds an adapter for api.openai.com, on the shared HTTP
// client when one is given.
func NewFromAPIKey(apiKey string, httpClient *http.Client) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return New(openai.NewClientWithConfig(cfg), domain.PlatformOpenAI), nil
}

// NewCompat builds an adapter for an OpenAI-compatible upstream.
func NewCompat(name, baseURL, apiKey string, httpClient *http.Client) (*Adapter, error) {
	if baseURL == "" {
		return nil, errors.New("compat: base url is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return New(openai.NewClientWithConfig(cfg), name), nil
}

func (a *Adapter) Send(ctx context.Context, member domain.CouncilMember, prompt string, convCtx *domain.ConversationContext) (*service.ProviderResponse, error) {
	request := openai.ChatCompletionRequest{
		Model:       member.Model,
		Messages:    encodeMessages(prompt, convCtx),
		Temperature: a.temperature,
	}

	start := time.Now()
	response, err := a.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, a.translateError(err)
	}

	return &service.ProviderResponse{
		Content: firstChoiceContent(response),
		Usage: domain.TokenUsage{
			PromptTokens:     response.Usage.PromptTokens,
			CompletionTokens: response.Usage.CompletionTokens,
			TotalTokens:      response.Usage.TotalTokens,
		},
		Latency: time.Since(start),
		Success: true,
	}, nil
}

// Health reports static availability; fleet-level health lives in the pool.
func (a *Adapter) Health(ctx context.Context) (bool, time.Duration) {
	return a.chat != nil, 0
}

func encodeMessages(prompt string, convCtx *domain.ConversationContext) []openai.ChatCompletionMessage {
	var msgs []openai.ChatCompletionMessage
	if convCtx != nil {
		for _, m := range convCtx.Messages {
			if m.Content == "" {
				continue
			}
			role := openai.ChatMessageRoleUser
			if m.Role == domain.RoleAssistant {
				role = openai.ChatMessageRoleAssistant
			}
			msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
		}
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})
}

func firstChoiceContent(response openai.ChatCompletionResponse) string {
	for _, choice := range response.Choices {
		if choice.Message.Content != "" {
			return choice.Message.Content
		}
	}
	return ""
}

func (a *Adapter) translateError(err error) *domain.ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr != nil {
		return &domain.ProviderError{
			Code:       service.ClassifyHTTPStatus(apiErr.HTTPStatusCode, apiErr.Message),
			Message:    fmt.Sprintf("%s: %v", a.name, apiErr),
			StatusCode: apiErr.HTTPStatusCode,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.ProviderError{Code: domain.ErrCodeTimeout, Message: err.Error()}
	}
	return &domain.ProviderError{Code: domain.ErrCodeNetwork, Message: fmt.Sprintf("%s: %v", a.name, err)}
}
