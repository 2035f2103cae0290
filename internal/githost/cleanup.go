package githost

import (
	"context"
	"log"
	"strings"

	"github.com/ytnobody/ticketflow/internal/apierr"
)

// BranchCleaner deletes retired feature branches through the code-host API.
type BranchCleaner struct {
	client            *Client
	protectedBranches []string
	featurePrefix     string
}

// NewBranchCleaner creates a BranchCleaner. protectedBranches are never
// deleted; featurePrefix, if non-empty, restricts deletion to branches with
// that prefix.
func NewBranchCleaner(client *Client, protectedBranches []string, featurePrefix string) *BranchCleaner {
	return &BranchCleaner{
		client:            client,
		protectedBranches: protectedBranches,
		featurePrefix:     featurePrefix,
	}
}

// CleanBranch deletes branch from repo if it is neither protected nor outside
// the feature prefix. Returns true when a deletion happened. Called by the
// monitor after it observes a WorkItem's PR merged.
func (c *BranchCleaner) CleanBranch(ctx context.Context, repo, branch string) (bool, error) {
	if c.isProtected(branch) {
		return false, nil
	}
	if c.featurePrefix != "" && !strings.HasPrefix(branch, c.featurePrefix) {
		return false, nil
	}

	if err := c.client.DeleteBranch(ctx, repo, branch); err != nil {
		if apierr.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	log.Printf("[branch-cleanup] %s: deleted merged branch %s", repo, branch)
	return true, nil
}

// isProtected reports whether branch is in the protected list.
func (c *BranchCleaner) isProtected(branch string) bool {
	for _, p := range c.protectedBranches {
		if branch == p {
			return true
		}
	}
	return false
}
