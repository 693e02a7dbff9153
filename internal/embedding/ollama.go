package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const ollamaDimensions = 768

// Ollama generates embeddings with a local Ollama server.
type Ollama struct {
	client *resty.Client
	model  string
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func NewOllama(endpoint, model string) *Ollama {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}

	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(30*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("Content-Type", "application/json")

	return &Ollama{client: client, model: model}
}

func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	var result ollamaEmbedResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetBody(ollamaEmbedRequest{Model: o.model, Prompt: text}).
		SetResult(&result).
		Post("/api/embeddings")
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result.Embedding) == 0 {
		return nil, errors.New("ollama returned an empty embedding")
	}
	return result.Embedding, nil
}

// Dimensions matches nomic-embed-text; the memories table is sized to it.
func (o *Ollama) Dimensions() int {
	return ollamaDimensions
}
