// Package anthropic implements the step executor against the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"relay/pkg/executor/step"
	"relay/pkg/resilience"
)

// Client calls Claude models through the official SDK.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// New builds a client for the given model.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Model implements step.Executor.
func (c *Client) Model() string {
	return string(c.model)
}

// Execute implements step.Executor. A run step is one user turn; the system
// prompt travels in the dedicated system parameter as the API requires.
func (c *Client) Execute(ctx context.Context, req step.Request) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   int64(step.EffectiveMaxTokens(string(c.model), req.MaxTokens)),
		Temperature: anthropic.Float(float64(req.Temperature)),
		Messages: []anthropic.MessageParam{{
			Role:    anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(req.Prompt)},
		}},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: req.System,
			Type: "text",
		}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", step.Classify("anthropic", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", resilience.NewError(resilience.TypeTransient, "empty response from anthropic")
	}

	var out strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			out.WriteString(block.AsText().Text)
		}
	}
	return out.String(), nil
}
