// Package openai implements the step executor against the OpenAI Responses
// API, which serves both the GPT and o-series reasoning models.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"relay/pkg/executor/step"
	"relay/pkg/resilience"
)

// Client calls OpenAI models through the official SDK.
type Client struct {
	client openai.Client
	model  string
}

// New builds a client for the given model.
func New(apiKey, model string) *Client {
	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Model implements step.Executor.
func (c *Client) Model() string {
	return c.model
}

// Execute implements step.Executor. The Responses API takes one input
// string, so the system prompt is folded in as a prefixed block; reasoning
// output is internal to the model and OutputText returns only the answer.
// Temperature is deliberately not set: the o-series models reject it.
func (c *Client) Execute(ctx context.Context, req step.Request) (string, error) {
	input := req.Prompt
	if req.System != "" {
		input = fmt.Sprintf("System: %s\n\n%s", req.System, req.Prompt)
	}

	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(int64(step.EffectiveMaxTokens(c.model, req.MaxTokens))),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input)},
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return "", step.Classify("openai", err)
	}
	if resp == nil {
		return "", resilience.NewError(resilience.TypeTransient, "empty response from openai")
	}
	return resp.OutputText(), nil
}
