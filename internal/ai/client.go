package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"docuchat/internal/config"
)

// OpenAICompatibleClient talks to any /chat/completions + /embeddings style
// API. All three provider variants (local, hosted, gateway) speak this dialect.
type OpenAICompatibleClient struct {
	httpClient *http.Client
	endpoint   config.ProviderEndpoint
}

func NewOpenAICompatibleClient(endpoint config.ProviderEndpoint) *OpenAICompatibleClient {
	return &OpenAICompatibleClient{
		httpClient: &http.Client{Timeout: 90 * time.Second},
		endpoint:   endpoint,
	}
}

func (c *OpenAICompatibleClient) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	reqBody := map[string]interface{}{
		"model":    c.endpoint.Model,
		"messages": messages,
		"stream":   false,
	}
	raw, err := c.post(ctx, "/chat/completions", reqBody)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("parse chat completion json failed: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty chat completion choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *OpenAICompatibleClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("empty embedding in response")
	}
	return vectors[0], nil
}

func (c *OpenAICompatibleClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	trimmed := make([]string, 0, len(texts))
	for _, t := range texts {
		if s := strings.TrimSpace(t); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("no non-empty texts for embedding")
	}

	reqBody := map[string]interface{}{
		"model": c.endpoint.EmbeddingModel,
		"input": trimmed,
	}
	raw, err := c.post(ctx, "/embeddings", reqBody)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse embedding json failed: %w", err)
	}
	if len(parsed.Data) != len(trimmed) {
		return nil, fmt.Errorf("embedding count mismatch: got %d for %d inputs", len(parsed.Data), len(trimmed))
	}
	result := make([][]float32, len(parsed.Data))
	for i := range parsed.Data {
		result[i] = parsed.Data[i].Embedding
	}
	return result, nil
}

func (c *OpenAICompatibleClient) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal provider request failed: %w", err)
	}

	url := strings.TrimRight(c.endpoint.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build provider request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.endpoint.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.endpoint.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read provider response failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider response status %d: %s", resp.StatusCode, string(raw))
	}
	return raw, nil
}
