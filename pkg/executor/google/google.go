// Package google implements the step executor on the Gemini API.
package google

import (
	"context"
	"sync"

	"google.golang.org/genai"

	"relay/pkg/executor/step"
	"relay/pkg/resilience"
)

// Client calls Gemini models. The underlying SDK client is created lazily on
// first use because genai.NewClient requires a context.
type Client struct {
	apiKey string
	model  string

	mu     sync.Mutex
	client *genai.Client
}

// New builds a Gemini client for the given model.
func New(apiKey, model string) *Client {
	return &Client{apiKey: apiKey, model: model}
}

// Model implements step.Executor.
func (c *Client) Model() string {
	return c.model
}

func (c *Client) ensureClient(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, step.Classify("google", err)
	}
	c.client = client
	return client, nil
}

// Execute implements step.Executor.
func (c *Client) Execute(ctx context.Context, req step.Request) (string, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return "", err
	}

	temp := req.Temperature
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: int32(step.EffectiveMaxTokens(c.model, req.MaxTokens)),
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	contents := []*genai.Content{
		{Role: "user", Parts: []*genai.Part{{Text: req.Prompt}}},
	}

	result, err := client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", step.Classify("google", err)
	}
	if result == nil {
		return "", resilience.NewError(resilience.TypeTransient, "empty response from google")
	}
	return result.Text(), nil
}
