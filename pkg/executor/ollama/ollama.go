// Package ollama implements the step executor against a local Ollama server,
// for runs that must not leave the machine.
package ollama

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"relay/pkg/executor/step"
)

// DefaultHost is the stock Ollama listen address.
const DefaultHost = "http://localhost:11434"

// Client calls models served by a local Ollama instance.
type Client struct {
	client *api.Client
	model  string
}

// New builds a client against host (DefaultHost when empty). Model names may
// carry the "ollama:" routing prefix; it is stripped before API calls.
func New(host, model string) *Client {
	if host == "" {
		host = DefaultHost
	}
	parsed, err := url.Parse(host)
	if err != nil {
		parsed, _ = url.Parse(DefaultHost)
	}
	return &Client{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  strings.TrimPrefix(model, "ollama:"),
	}
}

// Model implements step.Executor.
func (c *Client) Model() string {
	return c.model
}

// Execute implements step.Executor.
func (c *Client) Execute(ctx context.Context, req step.Request) (string, error) {
	var messages []api.Message
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: req.Prompt})

	stream := false
	chatReq := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": req.Temperature,
			"num_predict": step.EffectiveMaxTokens(c.model, req.MaxTokens),
		},
	}

	var out strings.Builder
	err := c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", step.Classify("ollama", err)
	}
	return out.String(), nil
}
