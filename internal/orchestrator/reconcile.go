package orchestrator

import (
	"context"
	"log"
	"regexp"

	"github.com/ytnobody/ticketflow/internal/apierr"
	"github.com/ytnobody/ticketflow/internal/githost"
	"github.com/ytnobody/ticketflow/internal/registry"
)

var (
	// ticketKeyPattern matches tracker keys like PROJ-123 in PR titles and
	// bodies.
	ticketKeyPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]+-\d+\b`)
	// branchKeyPattern recovers the key from the deterministic feature
	// branch name when the title and body carry none.
	branchKeyPattern = regexp.MustCompile(`^chore/([A-Z][A-Z0-9]+-\d+)-workflow-setup$`)
)

// reconcile re-adopts in-flight work after a restart: it searches each
// allowed org for open PRs, maps them back to ticket keys, and registers any
// whose ticket is still live. Tickets in a terminal tracker status are left
// alone even if their PR is still open.
func (o *Orchestrator) reconcile(ctx context.Context) {
	cfg := o.Config()

	adopted := 0
	for _, org := range cfg.CodeHost.AllowedOrgs {
		results, err := o.host.SearchOpenPRs(ctx, org)
		if err != nil {
			log.Printf("[reconcile] search %s: %v", org, err)
			continue
		}
		for _, res := range results {
			if ctx.Err() != nil {
				return
			}
			if o.adopt(ctx, res) {
				adopted++
			}
		}
	}
	log.Printf("[reconcile] re-adopted %d in-flight item(s)", adopted)
}

// adopt maps one open PR back to a ticket and registers it for monitoring.
// Returns true when the PR was adopted.
func (o *Orchestrator) adopt(ctx context.Context, res githost.SearchResult) bool {
	key := firstTicketKey(res.Title, res.Body)

	var pr *githost.PullRequest
	if key == "" {
		// The title and body carry no key; the branch name still might.
		var err error
		pr, err = o.host.GetPR(ctx, res.Repo, res.Number)
		if err != nil {
			log.Printf("[reconcile] %s#%d: %v", res.Repo, res.Number, err)
			return false
		}
		if m := branchKeyPattern.FindStringSubmatch(pr.HeadRefName); m != nil {
			key = m[1]
		}
	}
	if key == "" {
		return false
	}
	if o.reg.Has(key) {
		return false
	}

	t, err := o.trk.Get(ctx, key)
	if err != nil {
		if apierr.IsNotFound(err) {
			// The PR names a key the tracker does not know. Not ours.
			return false
		}
		log.Printf("[reconcile] %s: fetch ticket: %v", key, err)
		return false
	}
	if t.Terminal() {
		return false
	}

	if pr == nil {
		pr, err = o.host.GetPR(ctx, res.Repo, res.Number)
		if err != nil {
			log.Printf("[reconcile] %s#%d: %v", res.Repo, res.Number, err)
			return false
		}
	}

	_, added := o.reg.Add(&registry.WorkItem{
		TicketKey: key,
		Repo:      res.Repo,
		Branch:    pr.HeadRefName,
		PRURL:     pr.URL,
		PRNumber:  pr.Number,
		HeadSHA:   pr.HeadSHA,
		State:     registry.StateMonitoring,
	})
	if added {
		log.Printf("[reconcile] adopted %s from %s#%d", key, res.Repo, res.Number)
	}
	return added
}

// firstTicketKey returns the first tracker key found in the given texts.
func firstTicketKey(texts ...string) string {
	for _, text := range texts {
		if m := ticketKeyPattern.FindString(text); m != "" {
			return m
		}
	}
	return ""
}
