package advisor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiBackend talks to the Gemini API. The API key is read from the
// GEMINI_API_KEY environment variable by the genai client.
type GeminiBackend struct {
	client   *genai.Client
	model    string
	throttle *Throttle
}

// NewGeminiBackend creates a Gemini backend for the given model. throttle
// may be nil to disable client-side rate limiting.
func NewGeminiBackend(ctx context.Context, model string, throttle *Throttle) (*GeminiBackend, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiBackend{client: client, model: model, throttle: throttle}, nil
}

// Send submits the prompt and returns the model's text reply. Rate-limit
// rejections are retried with exponential backoff up to five attempts.
func (g *GeminiBackend) Send(ctx context.Context, prompt string) (string, error) {
	if err := g.throttle.Wait(ctx); err != nil {
		return "", err
	}

	cfg := &genai.GenerateContentConfig{}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: prompt}}}}

	backoff := 2 * time.Second
	var lastErr error
	for i := 0; i < 5; i++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if IsRateLimitError(err) {
				log.Printf("[advisor] gemini rate limit hit, backing off for %v", backoff)
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return "", fmt.Errorf("gemini API error: %w", err)
		}
		return extractText(resp), nil
	}
	return "", fmt.Errorf("gemini API failed after 5 retries: %w", lastErr)
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var parts []string
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
