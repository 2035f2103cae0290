// Package advisor produces natural-language fix strategies and optional
// custom pipeline documents from ticket text and a repository summary. It is
// purely advisory: every caller must be able to proceed on a template path
// when the advisor fails, and its output is untrusted text that is
// fence-stripped before being written anywhere.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ytnobody/ticketflow/prompts"
)

// Backend sends one prompt to a language model and returns its text reply.
type Backend interface {
	Send(ctx context.Context, prompt string) (string, error)
}

// Request carries the context the advisor reasons over.
type Request struct {
	TicketKey    string
	Summary      string
	Description  string
	RepoName     string
	Language     string
	BuildCommand string
	TestCommand  string
	DeployTarget string
	// SecretNames are the repository's secret names (never values); listed
	// so generated pipelines reference them via interpolation syntax.
	SecretNames []string
}

// Advisor wraps a Backend with the prompt templates.
type Advisor struct {
	backend Backend
}

// New creates an Advisor for the configured model. Models prefixed
// "gemini-" use the Gemini API; "claude-" the Anthropic API.
func New(ctx context.Context, model string, geminiRPM int) (*Advisor, error) {
	switch {
	case strings.HasPrefix(model, "gemini-"):
		b, err := NewGeminiBackend(ctx, model, NewThrottle(geminiRPM))
		if err != nil {
			return nil, err
		}
		return &Advisor{backend: b}, nil
	case strings.HasPrefix(model, "claude-"):
		return &Advisor{backend: NewClaudeBackend(model)}, nil
	default:
		return nil, fmt.Errorf("advisor: unsupported model %q", model)
	}
}

// WithBackend creates an Advisor over an explicit backend. Used by tests.
func WithBackend(b Backend) *Advisor {
	return &Advisor{backend: b}
}

// FixStrategy returns a short narrative of how the ticket should be fixed.
func (a *Advisor) FixStrategy(ctx context.Context, req Request) (string, error) {
	prompt, err := prompts.Render(prompts.FixStrategy, promptVars(req))
	if err != nil {
		return "", err
	}
	out, err := a.backend.Send(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("fix strategy for %s: %w", req.TicketKey, err)
	}
	return StripFences(out), nil
}

// Pipeline returns a custom CI pipeline document for the repository, or an
// empty string when the model declines (the caller then uses the template
// pipeline).
func (a *Advisor) Pipeline(ctx context.Context, req Request) (string, error) {
	prompt, err := prompts.Render(prompts.Pipeline, promptVars(req))
	if err != nil {
		return "", err
	}
	out, err := a.backend.Send(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("pipeline for %s: %w", req.TicketKey, err)
	}
	out = StripFences(out)
	if strings.EqualFold(strings.TrimSpace(out), "none") {
		return "", nil
	}
	return out, nil
}

func promptVars(req Request) prompts.Vars {
	return prompts.Vars{
		TicketKey:    req.TicketKey,
		Summary:      req.Summary,
		Description:  req.Description,
		RepoName:     req.RepoName,
		Language:     req.Language,
		BuildCommand: req.BuildCommand,
		TestCommand:  req.TestCommand,
		DeployTarget: req.DeployTarget,
		SecretNames:  strings.Join(req.SecretNames, ", "),
	}
}

// StripFences removes a wrapping Markdown code fence (with optional language
// tag) from model output. Inner fences are left alone.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	// Drop the opening fence line (``` or ```yaml etc.).
	lines = lines[1:]
	// Drop the closing fence if present.
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// RateLimitError marks a rate-limit rejection from a model API.
type RateLimitError struct {
	Wrapped error
}

func (e *RateLimitError) Error() string { return e.Wrapped.Error() }
func (e *RateLimitError) Unwrap() error { return e.Wrapped }

// IsRateLimitError checks whether the error indicates a token/rate limit.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "token limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota exceeded")
}
