// Package embedding turns negotiation responses into vectors using the
// OpenAI embeddings API.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// EmbeddingsAPI is the subset of the go-openai client the service uses.
type EmbeddingsAPI interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Client implements service.EmbeddingClient.
type Client struct {
	api EmbeddingsAPI
}

func New(api EmbeddingsAPI) *Client {
	return &Client{api: api}
}

func NewFromAPIKey(apiKey string, httpClient *http.Client) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("embedding: api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return New(openai.NewClientWithConfig(cfg)), nil
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, model string, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return [][]float64{}, nil
	}
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float64, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float64, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float64(v)
		}
		out[i] = vec
	}
	return out, nil
}
