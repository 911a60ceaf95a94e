// Package anthropic adapts council member calls to the Claude Messages API
// via github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/quorumlabs/councilproxy/internal/domain"
	"github.com/quorumlabs/councilproxy/internal/service"
)

const defaultMaxTokens = 4096

// MessagesClient is the subset of the SDK client the adapter uses. It is
// satisfied by *sdk.MessageService so tests can pass a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Adapter implements service.ProviderAdapter for Claude-shaped APIs. It never
// retries; the provider pool owns the retry loop.
type Adapter struct {
	msg         MessagesClient
	maxTokens   int64
	temperature float64
}

func New(msg MessagesClient) *Adapter {
	return &Adapter{msg: msg, maxTokens: defaultMaxTokens, temperature: 0.7}
}

// NewFromAPIKey builds an adapter on the shared HTTP client when one is
// given, else the SDK default.
func NewFromAPIKey(apiKey string, httpClient *http.Client) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	client := sdk.NewClient(opts...)
	return New(&client.Messages), nil
}

func (a *Adapter) Send(ctx context.Context, member domain.CouncilMember, prompt string, convCtx *domain.ConversationContext) (*service.ProviderResponse, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(member.Model),
		MaxTokens: a.maxTokens,
		Messages:  encodeMessages(prompt, convCtx),
	}
	if a.temperature > 0 {
		params.Temperature = sdk.Float(a.temperature)
	}

	start := time.Now()
	msg, err := a.msg.New(ctx, params)
	if err != nil {
		return nil, translateError(err)
	}

	return &service.ProviderResponse{
		Content: firstTextBlock(msg),
		Usage:   translateUsage(msg),
		Latency: time.Since(start),
		Success: true,
	}, nil
}

// Health reports static availability; fleet-level health lives in the pool.
func (a *Adapter) Health(ctx context.Context) (bool, time.Duration) {
	return a.msg != nil, 0
}

func encodeMessages(prompt string, convCtx *domain.ConversationContext) []sdk.MessageParam {
	var msgs []sdk.MessageParam
	if convCtx != nil {
		for _, m := range convCtx.Messages {
			if m.Content == "" {
				continue
			}
			switch m.Role {
			case domain.RoleAssistant:
				msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
			default:
				msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
			}
		}
	}
	return append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(prompt)))
}

// firstTextBlock extracts the first textual content block.
func firstTextBlock(msg *sdk.Message) string {
	if msg == nil {
		return ""
	}
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text
		}
	}
	return ""
}

func translateUsage(msg *sdk.Message) domain.TokenUsage {
	if msg == nil {
		return domain.TokenUsage{}
	}
	u := msg.Usage
	return domain.TokenUsage{
		PromptTokens:     int(u.InputTokens),
		CompletionTokens: int(u.OutputTokens),
		TotalTokens:      int(u.InputTokens + u.OutputTokens),
	}
}

// translateError maps an SDK failure onto the provider error taxonomy,
// carrying the HTTP status and any Retry-After hint.
func translateError(err error) *domain.ProviderError {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		provErr := &domain.ProviderError{
			Code:       service.ClassifyHTTPStatus(apiErr.StatusCode, apiErr.Error()),
			Message:    fmt.Sprintf("anthropic: %v", apiErr),
			StatusCode: apiErr.StatusCode,
		}
		if apiErr.Response != nil {
			provErr.RetryAfter = apiErr.Response.Header.Get("Retry-After")
		}
		return provErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.ProviderError{Code: domain.ErrCodeTimeout, Message: err.Error()}
	}
	return &domain.ProviderError{Code: domain.ErrCodeNetwork, Message: fmt.Sprintf("anthropic: %v", err)}
}
