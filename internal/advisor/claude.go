package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion  = "2023-06-01"
	anthropicMaxTokens   = 8096
)

// ClaudeBackend sends prompts to the Anthropic Messages API using
// ANTHROPIC_API_KEY. The advisor is text-only, so each Send is a single
// request with no tool use.
type ClaudeBackend struct {
	model      string
	client     *http.Client
	testAPIURL string // overrides anthropicAPIEndpoint in tests
}

// NewClaudeBackend creates a Claude backend for the given model.
func NewClaudeBackend(model string) *ClaudeBackend {
	return &ClaudeBackend{
		model:  model,
		client: &http.Client{Timeout: 300 * time.Second},
	}
}

// apiURL returns the effective API endpoint URL (test override or production).
func (c *ClaudeBackend) apiURL() string {
	if c.testAPIURL != "" {
		return c.testAPIURL
	}
	return anthropicAPIEndpoint
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string               `json:"id"`
	Type       string               `json:"type"`
	Role       string               `json:"role"`
	Content    []anthropicRawBlock  `json:"content"`
	StopReason string               `json:"stop_reason"`
	Error      *anthropicErrorBlock `json:"error,omitempty"`
}

type anthropicRawBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicErrorBlock struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Send submits the prompt and returns the model's text reply.
func (c *ClaudeBackend) Send(ctx context.Context, prompt string) (string, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return "", fmt.Errorf("ANTHROPIC_API_KEY is not set; claude models require an Anthropic API key")
	}

	reqBody := anthropicRequest{
		Model:     c.model,
		MaxTokens: anthropicMaxTokens,
		Messages: []anthropicMessage{
			{Role: "user", Content: prompt},
		},
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL(), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")

	httpResp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	if httpResp.StatusCode == 429 {
		return "", &RateLimitError{
			Wrapped: fmt.Errorf("anthropic API rate limit (HTTP 429): %s", strings.TrimSpace(string(body))),
		}
	}
	if httpResp.StatusCode >= 400 {
		return "", fmt.Errorf("anthropic API HTTP %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
	}

	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w (body: %s)", err, string(body))
	}

	if resp.Error != nil {
		msg := resp.Error.Message
		if IsRateLimitError(fmt.Errorf("%s", msg)) {
			return "", &RateLimitError{Wrapped: fmt.Errorf("anthropic API rate limit: %s", msg)}
		}
		return "", fmt.Errorf("anthropic API error: %s", msg)
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n")), nil
}
