package githost

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/ytnobody/ticketflow/internal/apierr"
)

// refObject mirrors the git ref API response.
type refObject struct {
	Ref    string `json:"ref"`
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

// branchRef returns the tip SHA of a branch, or a NotFound error.
func (c *Client) branchRef(ctx context.Context, repo, branch string) (string, error) {
	var ref refObject
	if err := c.ghJSON(ctx, &ref, "api", fmt.Sprintf("repos/%s/git/ref/heads/%s", repo, branch)); err != nil {
		return "", err
	}
	return ref.Object.SHA, nil
}

// EnsureBranch creates branch from the tip of base if it does not exist.
// Existing branches and creation races resolved by "already exists" both
// count as success, so repeated calls for the same ticket converge on one
// branch.
func (c *Client) EnsureBranch(ctx context.Context, repo, base, branch string) error {
	if _, err := c.branchRef(ctx, repo, branch); err == nil {
		log.Printf("[githost] %s: branch %s already exists", repo, branch)
		return nil
	} else if !apierr.IsNotFound(err) {
		return err
	}

	baseSHA, err := c.branchRef(ctx, repo, base)
	if err != nil {
		return fmt.Errorf("resolve base %s: %w", base, err)
	}

	body, _ := json.Marshal(map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": baseSHA,
	})
	_, err = c.runner.Run(ctx, body, "api", "-X", "POST",
		fmt.Sprintf("repos/%s/git/refs", repo), "--input", "-")
	if apierr.IsConflict(err) {
		// Lost a creation race; the branch exists, which is what we wanted.
		log.Printf("[githost] %s: branch %s created concurrently", repo, branch)
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("[githost] %s: created branch %s from %s", repo, branch, base)
	return nil
}

// fileContent mirrors the contents API response for a single file.
type fileContent struct {
	SHA     string `json:"sha"`
	Content string `json:"content"`
}

// GetFile returns the decoded content of path on branch, or a NotFound error.
func (c *Client) GetFile(ctx context.Context, repo, branch, path string) (string, error) {
	var fc fileContent
	endpoint := fmt.Sprintf("repos/%s/contents/%s?ref=%s", repo, escapePath(path), url.QueryEscape(branch))
	if err := c.ghJSON(ctx, &fc, "api", endpoint); err != nil {
		return "", err
	}
	decoded, err := base64.StdEncoding.DecodeString(stripNewlines(fc.Content))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	return string(decoded), nil
}

// UpsertFile creates or updates path on branch. The current blob SHA, when
// the file already exists, is included so the API performs an update instead
// of rejecting a conflicting create. A missing file is not an error.
func (c *Client) UpsertFile(ctx context.Context, repo, branch, path, content, message string) error {
	sha := ""
	var fc fileContent
	endpoint := fmt.Sprintf("repos/%s/contents/%s?ref=%s", repo, escapePath(path), url.QueryEscape(branch))
	if err := c.ghJSON(ctx, &fc, "api", endpoint); err == nil {
		sha = fc.SHA
	} else if !apierr.IsNotFound(err) {
		return err
	}

	payload := map[string]string{
		"message": message,
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
		"branch":  branch,
	}
	if sha != "" {
		payload["sha"] = sha
	}
	body, _ := json.Marshal(payload)

	_, err := c.runner.Run(ctx, body, "api", "-X", "PUT",
		fmt.Sprintf("repos/%s/contents/%s", repo, escapePath(path)), "--input", "-")
	if err != nil {
		return err
	}
	log.Printf("[githost] %s: upserted %s on %s", repo, path, branch)
	return nil
}

// ListRootEntries returns the names of entries in the repository root on the
// default branch. The inspector uses this for marker-file language detection.
func (c *Client) ListRootEntries(ctx context.Context, repo string) ([]string, error) {
	var entries []struct {
		Name string `json:"name"`
	}
	if err := c.ghJSON(ctx, &entries, "api", fmt.Sprintf("repos/%s/contents/", repo)); err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}

// BranchProtected reports whether branch has a protection rule. A 404 means
// no protection is configured, which is a normal answer, not an error.
func (c *Client) BranchProtected(ctx context.Context, repo, branch string) (bool, error) {
	endpoint := fmt.Sprintf("repos/%s/branches/%s/protection", repo, url.PathEscape(branch))
	err := c.ghJSON(ctx, nil, "api", endpoint)
	if apierr.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SecretNames enumerates the repository's Actions secret names. Values are
// never readable through this API, which is the point: generated artifacts
// reference secrets only via the host's interpolation syntax.
func (c *Client) SecretNames(ctx context.Context, repo string) ([]string, error) {
	var resp struct {
		Secrets []struct {
			Name string `json:"name"`
		} `json:"secrets"`
	}
	if err := c.ghJSON(ctx, &resp, "api", fmt.Sprintf("repos/%s/actions/secrets", repo)); err != nil {
		return nil, err
	}
	names := make([]string, len(resp.Secrets))
	for i, s := range resp.Secrets {
		names[i] = s.Name
	}
	return names, nil
}

// DeleteBranch removes a branch ref. Used to clean up feature branches after
// their WorkItem retires merged. A missing branch is success.
func (c *Client) DeleteBranch(ctx context.Context, repo, branch string) error {
	_, err := c.runner.Run(ctx, nil, "api", "-X", "DELETE",
		fmt.Sprintf("repos/%s/git/refs/heads/%s", repo, branch))
	if apierr.IsNotFound(err) {
		return nil
	}
	return err
}

func escapePath(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func stripNewlines(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}
