// Package ollama implements client.VisionClient on an Ollama server.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/menta2k/ar-target/pkg/client"
	"github.com/menta2k/ar-target/pkg/types"
)

// DefaultTimeout bounds a request whose context has no deadline. Vision
// models on CPU are slow.
const DefaultTimeout = 5 * time.Minute

// Client wraps the Ollama API client
type Client struct {
	api     *api.Client
	timeout time.Duration
}

var _ client.VisionClient = (*Client)(nil)

// NewClient creates a client for the server at ollamaURL. Any path, such as
// /api/chat, is ignored.
func NewClient(ollamaURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid ollama url %q: scheme and host are required", ollamaURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	base := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}
	return &Client{api: api.NewClient(base, httpClient), timeout: DefaultTimeout}, nil
}

// Query returns the model's free-form answer about image.
func (c *Client) Query(ctx context.Context, model, prompt string, image []byte) (string, error) {
	return c.chat(ctx, model, prompt, image, nil)
}

// LocateSubject asks the model for the subject box and decodes its answer.
func (c *Client) LocateSubject(ctx context.Context, model, prompt string, image []byte) (*types.AnalysisResult, error) {
	answer, err := c.chat(ctx, model, prompt, image, modelOptions(model))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(answer) == "" {
		return nil, errors.New("empty response from ollama")
	}
	return client.ParseAnalysis(answer)
}

func (c *Client) chat(ctx context.Context, model, prompt string, image []byte, options map[string]any) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	stream := false
	msg := api.Message{Role: "user", Content: prompt}
	if len(image) > 0 {
		msg.Images = []api.ImageData{api.ImageData(image)}
	}
	req := &api.ChatRequest{
		Model:    model,
		Messages: []api.Message{msg},
		Stream:   &stream,
		Options:  options,
	}

	var answer strings.Builder
	err := c.api.Chat(ctx, req, func(resp api.ChatResponse) error {
		answer.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return answer.String(), nil
}

// modelOptions tunes sampling for MiniCPM-V 4.x, which rambles at the default
// temperature.
func modelOptions(model string) map[string]any {
	m := strings.ToLower(model)
	for _, name := range []string{"minicpm-v4", "minicpm-v-4", "minicpmv4"} {
		if strings.Contains(m, name) {
			return map[string]any{"temperature": 0.7, "top_p": 0.8, "num_ctx": 4096}
		}
	}
	return nil
}
