package githost

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/ytnobody/ticketflow/internal/apierr"
)

// OpenOrReusePR returns the open PR for head -> base, creating it only when
// none exists. isNew reports whether this call created it. The existence
// check first is what keeps repeated poll cycles from opening duplicates.
func (c *Client) OpenOrReusePR(ctx context.Context, repo, head, base, title, body string) (pr *PullRequest, isNew bool, err error) {
	var items []prListItem
	err = c.ghJSON(ctx, &items, "pr", "list", "-R", repo,
		"--head", head, "--base", base, "--state", "open", "--json", prJSONFields)
	if err != nil {
		return nil, false, err
	}
	if len(items) > 0 {
		log.Printf("[githost] %s: reusing PR #%d for %s", repo, items[0].Number, head)
		return items[0].toPR(), false, nil
	}

	out, err := c.gh(ctx, "pr", "create", "-R", repo,
		"--head", head, "--base", base, "--title", title, "--body", body)
	if err != nil {
		return nil, false, err
	}

	// gh pr create prints the PR URL on the last line of stdout.
	prURL := lastLine(out)
	number := prNumberFromURL(prURL)
	if number == 0 {
		return nil, false, fmt.Errorf("create PR on %s: cannot parse PR URL from %q", repo, out)
	}

	created, err := c.GetPR(ctx, repo, number)
	if err != nil {
		// The PR exists; degrade to the fields we know rather than failing.
		log.Printf("[githost] %s: fetch created PR #%d failed: %v", repo, number, err)
		created = &PullRequest{Number: number, URL: prURL, Title: title, Body: body, HeadRefName: head, BaseRefName: base, State: "OPEN"}
	}
	log.Printf("[githost] %s: created PR #%d (%s -> %s)", repo, number, head, base)
	return created, true, nil
}

// ListOpenPRsByBase lists open PRs whose base branch is base. An empty base
// lists all open PRs.
func (c *Client) ListOpenPRsByBase(ctx context.Context, repo, base string) ([]*PullRequest, error) {
	args := []string{"pr", "list", "-R", repo, "--state", "open", "--json", prJSONFields}
	if base != "" {
		args = append(args, "--base", base)
	}
	var items []prListItem
	if err := c.ghJSON(ctx, &items, args...); err != nil {
		return nil, err
	}
	prs := make([]*PullRequest, len(items))
	for i, item := range items {
		prs[i] = item.toPR()
	}
	return prs, nil
}

// ListPRComments returns the bodies of issue-style comments on a PR.
func (c *Client) ListPRComments(ctx context.Context, repo string, number int) ([]string, error) {
	var comments []struct {
		Body string `json:"body"`
	}
	endpoint := fmt.Sprintf("repos/%s/issues/%d/comments", repo, number)
	if err := c.ghJSON(ctx, &comments, "api", endpoint); err != nil {
		return nil, err
	}
	bodies := make([]string, len(comments))
	for i, cm := range comments {
		bodies[i] = cm.Body
	}
	return bodies, nil
}

// CommentPR posts a comment on a PR.
func (c *Client) CommentPR(ctx context.Context, repo string, number int, body string) error {
	_, err := c.gh(ctx, "pr", "comment", strconv.Itoa(number), "-R", repo, "--body", body)
	return err
}

var prURLPattern = regexp.MustCompile(`https://github\.com/([\w.-]+/[\w.-]+)/pull/(\d+)`)

// FindDelegatedSubPR locates the PR a delegated coding agent opened against
// the parent PR's feature branch. Discovery order: an explicit PR URL in the
// parent's comments, then open PRs based on the feature branch, then (only
// when allowHeuristic) an author/title heuristic. A nil result with nil error
// is the expected steady state while the agent has not yet acted.
func (c *Client) FindDelegatedSubPR(ctx context.Context, repo string, parent *PullRequest, allowHeuristic bool) (*PullRequest, error) {
	// Explicit link: a comment on the parent naming a PR in this repo whose
	// base is the parent's feature branch.
	comments, err := c.ListPRComments(ctx, repo, parent.Number)
	if err != nil && !apierr.IsNotFound(err) {
		return nil, err
	}
	for _, body := range comments {
		for _, m := range prURLPattern.FindAllStringSubmatch(body, -1) {
			if m[1] != repo {
				continue
			}
			n, _ := strconv.Atoi(m[2])
			if n == parent.Number {
				continue
			}
			candidate, err := c.GetPR(ctx, repo, n)
			if err != nil {
				if apierr.IsNotFound(err) {
					continue
				}
				return nil, err
			}
			if candidate.BaseRefName == parent.HeadRefName {
				return candidate, nil
			}
		}
	}

	// Base-branch match: any open PR targeting the feature branch.
	byBase, err := c.ListOpenPRsByBase(ctx, repo, parent.HeadRefName)
	if err != nil {
		return nil, err
	}
	if len(byBase) > 0 {
		return byBase[0], nil
	}

	if !allowHeuristic {
		return nil, nil
	}

	// Heuristic fallback: an agent-authored open PR referencing the parent.
	// Can misidentify; kept behind a config flag.
	all, err := c.ListOpenPRsByBase(ctx, repo, "")
	if err != nil {
		return nil, err
	}
	parentRef := fmt.Sprintf("#%d", parent.Number)
	for _, pr := range all {
		if pr.Number == parent.Number {
			continue
		}
		author := strings.ToLower(pr.AuthorLogin)
		if strings.Contains(author, "bot") || strings.Contains(author, "agent") ||
			strings.Contains(pr.Title, parentRef) || strings.Contains(pr.Body, parentRef) {
			log.Printf("[githost] %s: heuristic sub-PR match #%d (author %s)", repo, pr.Number, pr.AuthorLogin)
			return pr, nil
		}
	}
	return nil, nil
}

// IsWIP reports whether the PR is explicitly marked work-in-progress by any
// of the given title/label markers. A WIP sub-PR is a hold signal: the
// monitor must not undraft, approve, or merge it.
func IsWIP(pr *PullRequest, markers []string) bool {
	title := strings.ToLower(pr.Title)
	for _, m := range markers {
		if titleHasMarker(title, strings.ToLower(m)) {
			return true
		}
		for _, label := range pr.Labels {
			if strings.EqualFold(label, m) {
				return true
			}
		}
	}
	return false
}

// titleHasMarker matches a marker in a title. Alphanumeric markers like
// "wip" must stand on their own ("swipe" is not work in progress); markers
// with punctuation, like "[wip]" or "wip:", match as plain substrings.
func titleHasMarker(title, marker string) bool {
	if marker == "" {
		return false
	}
	for _, r := range marker {
		if !isWordChar(byte(r)) {
			return strings.Contains(title, marker)
		}
	}
	for i := 0; ; {
		j := strings.Index(title[i:], marker)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(marker)
		if (start == 0 || !isWordChar(title[start-1])) &&
			(end == len(title) || !isWordChar(title[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

// AdvanceSubPR drives a non-WIP sub-PR toward merge: undraft, approve, then
// enable auto-merge when the base branch is protected or merge immediately
// when it is not. Step failures are logged and do not abort later steps,
// except a merge Conflict, which is returned for human escalation. merged
// reports whether the PR is observed merged afterward.
func (c *Client) AdvanceSubPR(ctx context.Context, repo string, sub *PullRequest, wipMarkers []string) (merged bool, err error) {
	if IsWIP(sub, wipMarkers) {
		log.Printf("[githost] %s: sub-PR #%d is WIP, holding", repo, sub.Number)
		return false, nil
	}

	num := strconv.Itoa(sub.Number)

	if sub.IsDraft {
		if _, err := c.gh(ctx, "pr", "ready", num, "-R", repo); err != nil {
			log.Printf("[githost] %s: mark #%d ready failed: %v", repo, sub.Number, err)
		}
	}

	if _, err := c.gh(ctx, "pr", "review", num, "-R", repo, "--approve"); err != nil {
		log.Printf("[githost] %s: approve #%d failed: %v", repo, sub.Number, err)
	}

	// Auto-merge only exists behind branch protection; gh refuses it on an
	// unprotected base. Check the base first and pick the applicable path.
	protected, perr := c.BranchProtected(ctx, repo, sub.BaseRefName)
	if perr != nil {
		log.Printf("[githost] %s: protection check on %s failed (%v), assuming unprotected", repo, sub.BaseRefName, perr)
	}

	directMerge := !protected
	if protected {
		if _, err := c.gh(ctx, "pr", "merge", num, "-R", repo, "--auto", "--squash"); err != nil {
			log.Printf("[githost] %s: enable auto-merge on #%d failed (%v), trying direct merge", repo, sub.Number, err)
			directMerge = true
		}
	}
	if directMerge {
		if _, err := c.gh(ctx, "pr", "merge", num, "-R", repo, "--squash"); err != nil {
			if apierr.IsConflict(err) {
				return false, err
			}
			log.Printf("[githost] %s: direct merge of #%d failed: %v", repo, sub.Number, err)
		}
	}

	// Opportunistic re-check: the direct merge (or a fast auto-merge) may
	// already have landed.
	updated, err := c.GetPR(ctx, repo, sub.Number)
	if err != nil {
		log.Printf("[githost] %s: re-check #%d failed: %v", repo, sub.Number, err)
		return false, nil
	}
	return updated.Merged || strings.EqualFold(updated.State, "MERGED"), nil
}

// SearchResult is one hit of the org-wide open-PR search used by startup
// reconciliation.
type SearchResult struct {
	Repo   string
	Number int
	Title  string
	Body   string
}

// SearchOpenPRs finds all open pull requests across an organization.
func (c *Client) SearchOpenPRs(ctx context.Context, org string) ([]SearchResult, error) {
	var resp struct {
		Items []struct {
			Number        int    `json:"number"`
			Title         string `json:"title"`
			Body          string `json:"body"`
			HTMLURL       string `json:"html_url"`
			RepositoryURL string `json:"repository_url"`
		} `json:"items"`
	}
	q := url.QueryEscape(fmt.Sprintf("is:pr is:open org:%s", org))
	if err := c.ghJSON(ctx, &resp, "api", "search/issues?per_page=100&q="+q); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(resp.Items))
	for _, item := range resp.Items {
		repo := repoFromURL(item.RepositoryURL)
		if repo == "" {
			repo = repoFromURL(item.HTMLURL)
		}
		if repo == "" {
			continue
		}
		results = append(results, SearchResult{
			Repo:   repo,
			Number: item.Number,
			Title:  item.Title,
			Body:   item.Body,
		})
	}
	return results, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
