// Package githost is the gateway to the code-hosting API, driven through the
// gh CLI. Every primitive is idempotent and individually retryable: branch
// ensure tolerates creation races, file upsert carries the optimistic-
// concurrency SHA, and PR opening is existence-check-first so repeated poll
// cycles for the same ticket converge instead of duplicating work.
package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ytnobody/ticketflow/internal/apierr"
)

// Runner executes a gh invocation. The concrete implementation shells out;
// tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, stdin []byte, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, classifyGHError("gh "+strings.Join(args[:min(len(args), 3)], " "), stderr.String(), err)
	}
	return out, nil
}

// classifyGHError maps gh CLI failures to the error taxonomy by scanning
// stderr for the HTTP status gh reports (e.g. "gh: Not Found (HTTP 404)").
func classifyGHError(op, stderr string, err error) error {
	s := strings.ToLower(stderr)
	detail := fmt.Errorf("%v: %s", err, strings.TrimSpace(stderr))
	switch {
	case strings.Contains(s, "http 404") || strings.Contains(s, "not found"):
		return apierr.New(apierr.KindNotFound, op, detail)
	case strings.Contains(s, "http 401") || strings.Contains(s, "http 403") ||
		strings.Contains(s, "unauthorized") || strings.Contains(s, "forbidden"):
		return apierr.New(apierr.KindUnauthorized, op, detail)
	case strings.Contains(s, "http 409") || strings.Contains(s, "http 422") ||
		strings.Contains(s, "conflict") || strings.Contains(s, "already exists") ||
		strings.Contains(s, "not mergeable"):
		return apierr.New(apierr.KindConflict, op, detail)
	default:
		return apierr.New(apierr.KindTransient, op, detail)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Client exposes the code-host primitives. It holds no scheduling state:
// callers own retries and sequencing.
type Client struct {
	runner Runner
}

// New creates a Client backed by the gh CLI.
func New() *Client {
	return &Client{runner: execRunner{}}
}

// WithRunner substitutes the command runner. Used by tests.
func (c *Client) WithRunner(r Runner) *Client {
	c.runner = r
	return c
}

// ghJSON runs gh and unmarshals its stdout into out.
func (c *Client) ghJSON(ctx context.Context, out any, args ...string) error {
	raw, err := c.runner.Run(ctx, nil, args...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bytes.TrimSpace(raw), out); err != nil {
		return fmt.Errorf("parse gh output for %q: %w", strings.Join(args[:min(len(args), 3)], " "), err)
	}
	return nil
}

// gh runs gh for its side effect, returning raw stdout.
func (c *Client) gh(ctx context.Context, args ...string) (string, error) {
	raw, err := c.runner.Run(ctx, nil, args...)
	return strings.TrimSpace(string(raw)), err
}

// Repository is the subset of repository metadata the orchestrator needs.
type Repository struct {
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	Permissions   struct {
		Push bool `json:"push"`
	} `json:"permissions"`
}

// PullRequest is a pull request as seen by the gateway.
type PullRequest struct {
	Number      int       `json:"number"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	State       string    `json:"state"`
	IsDraft     bool      `json:"isDraft"`
	Merged      bool      `json:"merged"`
	HeadRefName string    `json:"headRefName"`
	BaseRefName string    `json:"baseRefName"`
	HeadSHA     string    `json:"headSha"`
	AuthorLogin string    `json:"-"`
	Labels      []string  `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
}

// prJSONFields is the --json field list for gh pr list/view.
const prJSONFields = "number,url,title,body,state,isDraft,headRefName,baseRefName,labels,author,createdAt,mergedAt,headRefOid"

// prListItem mirrors gh pr list --json output.
type prListItem struct {
	Number      int       `json:"number"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	State       string    `json:"state"`
	IsDraft     bool      `json:"isDraft"`
	HeadRefName string    `json:"headRefName"`
	BaseRefName string    `json:"baseRefName"`
	HeadRefOid  string    `json:"headRefOid"`
	CreatedAt   time.Time `json:"createdAt"`
	MergedAt    *string   `json:"mergedAt"`
	Author      struct {
		Login string `json:"login"`
	} `json:"author"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func (p prListItem) toPR() *PullRequest {
	pr := &PullRequest{
		Number:      p.Number,
		URL:         p.URL,
		Title:       p.Title,
		Body:        p.Body,
		State:       p.State,
		IsDraft:     p.IsDraft,
		Merged:      p.MergedAt != nil && *p.MergedAt != "",
		HeadRefName: p.HeadRefName,
		BaseRefName: p.BaseRefName,
		HeadSHA:     p.HeadRefOid,
		AuthorLogin: p.Author.Login,
		CreatedAt:   p.CreatedAt,
	}
	for _, l := range p.Labels {
		pr.Labels = append(pr.Labels, l.Name)
	}
	return pr
}

// GetRepo fetches repository metadata. An Unauthorized or NotFound error here
// is how access problems surface before any write is attempted.
func (c *Client) GetRepo(ctx context.Context, repo string) (*Repository, error) {
	var r Repository
	if err := c.ghJSON(ctx, &r, "api", "repos/"+repo); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetPR fetches one pull request.
func (c *Client) GetPR(ctx context.Context, repo string, number int) (*PullRequest, error) {
	var item prListItem
	err := c.ghJSON(ctx, &item, "pr", "view", strconv.Itoa(number), "-R", repo, "--json", prJSONFields)
	if err != nil {
		return nil, err
	}
	return item.toPR(), nil
}

// prNumberFromURL extracts the trailing PR number from a pull request URL.
func prNumberFromURL(url string) int {
	idx := strings.LastIndex(url, "/")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(url[idx+1:]))
	if err != nil {
		return 0
	}
	return n
}

// repoFromURL extracts "owner/repo" from a GitHub web or API URL.
func repoFromURL(url string) string {
	for _, prefix := range []string{"https://github.com/", "https://api.github.com/repos/"} {
		if strings.HasPrefix(url, prefix) {
			rest := strings.TrimPrefix(url, prefix)
			parts := strings.SplitN(rest, "/", 3)
			if len(parts) >= 2 {
				return parts[0] + "/" + parts[1]
			}
		}
	}
	return ""
}
