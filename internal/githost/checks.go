package githost

import (
	"context"
	"fmt"
	"net/url"
)

// CheckRun is one check-run attached to a commit.
type CheckRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`     // queued, in_progress, completed
	Conclusion string `json:"conclusion"` // success, failure, cancelled, ...
	URL        string `json:"html_url"`
}

// WorkflowRun is one Actions workflow run.
type WorkflowRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	URL        string `json:"html_url"`
	HeadSHA    string `json:"head_sha"`
}

// Job is one job within a workflow run.
type Job struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	URL        string `json:"html_url"`
	Steps      []struct {
		Name       string `json:"name"`
		Conclusion string `json:"conclusion"`
	} `json:"steps"`
}

// ChecksForRef returns the check-runs for a commit SHA or branch name.
func (c *Client) ChecksForRef(ctx context.Context, repo, ref string) ([]CheckRun, error) {
	var resp struct {
		CheckRuns []CheckRun `json:"check_runs"`
	}
	endpoint := fmt.Sprintf("repos/%s/commits/%s/check-runs", repo, url.PathEscape(ref))
	if err := c.ghJSON(ctx, &resp, "api", endpoint); err != nil {
		return nil, err
	}
	return resp.CheckRuns, nil
}

// LatestRunForRef returns the most recent workflow run for a head SHA,
// falling back to the branch when sha is empty. Filtering by ref is what
// keeps a stale or unrelated run's status from being attributed to this
// ticket. Returns (nil, nil) when no run exists yet.
func (c *Client) LatestRunForRef(ctx context.Context, repo, sha, branch string) (*WorkflowRun, error) {
	var endpoint string
	switch {
	case sha != "":
		endpoint = fmt.Sprintf("repos/%s/actions/runs?head_sha=%s&per_page=1", repo, url.QueryEscape(sha))
	case branch != "":
		endpoint = fmt.Sprintf("repos/%s/actions/runs?branch=%s&per_page=1", repo, url.QueryEscape(branch))
	default:
		return nil, fmt.Errorf("latest run for %s: no sha or branch given", repo)
	}

	var resp struct {
		WorkflowRuns []WorkflowRun `json:"workflow_runs"`
	}
	if err := c.ghJSON(ctx, &resp, "api", endpoint); err != nil {
		return nil, err
	}
	if len(resp.WorkflowRuns) == 0 {
		return nil, nil
	}
	return &resp.WorkflowRuns[0], nil
}

// JobsForRun returns the jobs of a workflow run.
func (c *Client) JobsForRun(ctx context.Context, repo string, runID int64) ([]Job, error) {
	var resp struct {
		Jobs []Job `json:"jobs"`
	}
	endpoint := fmt.Sprintf("repos/%s/actions/runs/%d/jobs", repo, runID)
	if err := c.ghJSON(ctx, &resp, "api", endpoint); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}
