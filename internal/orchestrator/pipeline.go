package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ytnobody/ticketflow/internal/apierr"
	"github.com/ytnobody/ticketflow/internal/config"
	"github.com/ytnobody/ticketflow/internal/registry"
	"github.com/ytnobody/ticketflow/internal/tracker"
	"github.com/ytnobody/ticketflow/internal/workflow"
)

// attemptMarker tags retry comments on a ticket. The tracker itself is the
// retry queue: counting comments that carry this marker recovers the attempt
// number across restarts without any local persistence.
const attemptMarker = "ticketflow: workflow setup attempt"

// processTicket runs one ticket through the setup pipeline: resolve the
// target repository, derive its configuration, prepare the workflow branch,
// and open (or reuse) the pull request. Every step is idempotent, so a
// ticket that failed half-way converges on the same branch and PR when it is
// picked up again.
func (o *Orchestrator) processTicket(ctx context.Context, t *tracker.Ticket) {
	key := t.Key
	cfg := o.Config()

	repoField := t.Fields.Repository()
	if repoField == "" {
		o.failPermanent(ctx, key, "ticket has no repository field")
		return
	}
	repo, err := qualifyRepo(&cfg.CodeHost, repoField)
	if err != nil {
		// Never touch the code host for a repository outside the
		// allow-list. The ticket goes back to the queue with the reason:
		// an operator can widen the allow-list or fix the field, and the
		// attempt counter bounds the reprocessing loop either way.
		o.failTransient(ctx, key, err)
		return
	}

	branch := registry.BranchFor(key)
	if _, added := o.reg.Add(&registry.WorkItem{
		TicketKey: key,
		Repo:      repo,
		Branch:    branch,
		State:     registry.StateQueued,
	}); !added {
		return // already in flight
	}

	log.Printf("[orchestrator] processing %s -> %s", key, repo)

	if err := o.trk.Transition(ctx, key, cfg.Tracker.InProgressStatus); err != nil {
		log.Printf("[orchestrator] %s: transition to %q: %v", key, cfg.Tracker.InProgressStatus, err)
	}

	o.reg.Update(key, func(w *registry.WorkItem) { w.State = registry.StateAnalyzing })

	repoInfo, err := o.host.GetRepo(ctx, repo)
	if err != nil {
		o.fail(ctx, key, fmt.Errorf("inspect %s: %w", repo, err))
		return
	}
	if !repoInfo.Permissions.Push {
		o.failTransient(ctx, key, fmt.Errorf("no push access to %s", repo))
		return
	}

	rc := o.inspector.ResolveConfig(ctx, repo, t.Fields)
	if rc.DefaultBranch == "" {
		rc.DefaultBranch = repoInfo.DefaultBranch
	}

	secrets, err := o.host.SecretNames(ctx, repo)
	if err != nil {
		// Secret names only refine the deploy step; proceed without them.
		log.Printf("[orchestrator] %s: list secret names: %v", key, err)
		secrets = nil
	}

	var strategy, pipelineDoc string
	if o.advisor != nil {
		req := AdvisorRequest{
			TicketKey:    key,
			Summary:      t.Summary,
			Description:  t.Description,
			RepoName:     repo,
			Language:     rc.Language,
			BuildCommand: rc.BuildCommand,
			TestCommand:  rc.TestCommand,
			DeployTarget: rc.DeployTarget,
			SecretNames:  secrets,
		}
		if strategy, err = o.advisor.FixStrategy(ctx, req); err != nil {
			log.Printf("[orchestrator] %s: fix strategy unavailable: %v", key, err)
			strategy = ""
		}
		if pipelineDoc, err = o.advisor.Pipeline(ctx, req); err != nil {
			log.Printf("[orchestrator] %s: custom pipeline unavailable: %v", key, err)
			pipelineDoc = ""
		}
	}

	content, usedAdvisor, err := workflow.Choose(pipelineDoc, workflow.Options{
		RepoConfig:  rc,
		SecretNames: secrets,
		TicketKey:   key,
	})
	if err != nil {
		o.fail(ctx, key, fmt.Errorf("render workflow: %w", err))
		return
	}
	if usedAdvisor {
		log.Printf("[orchestrator] %s: using advisor-supplied pipeline", key)
	}

	o.reg.Update(key, func(w *registry.WorkItem) { w.State = registry.StateBranching })

	if err := o.host.EnsureBranch(ctx, repo, rc.DefaultBranch, branch); err != nil {
		o.fail(ctx, key, fmt.Errorf("ensure branch %s: %w", branch, err))
		return
	}

	message := fmt.Sprintf("%s: add CI workflow", key)
	if err := o.host.UpsertFile(ctx, repo, branch, workflow.FilePath, content, message); err != nil {
		o.fail(ctx, key, fmt.Errorf("write %s: %w", workflow.FilePath, err))
		return
	}

	title := fmt.Sprintf("%s: %s", key, t.Summary)
	pr, isNew, err := o.host.OpenOrReusePR(ctx, repo, branch, rc.DefaultBranch, title, prBody(t, strategy))
	if err != nil {
		o.fail(ctx, key, fmt.Errorf("open PR: %w", err))
		return
	}

	state := registry.StatePRReused
	if isNew {
		state = registry.StatePRCreated
	}
	o.reg.Update(key, func(w *registry.WorkItem) {
		w.State = state
		w.PRURL = pr.URL
		w.PRNumber = pr.Number
		w.HeadSHA = pr.HeadSHA
	})

	if isNew {
		if err := o.trk.Comment(ctx, key, fmt.Sprintf("Opened pull request %s for workflow setup.", pr.URL)); err != nil {
			log.Printf("[orchestrator] %s: comment PR link: %v", key, err)
		}
	} else {
		log.Printf("[orchestrator] %s: reusing existing PR %s", key, pr.URL)
	}

	if err := o.trk.Transition(ctx, key, cfg.Tracker.PostPRStatus); err != nil {
		log.Printf("[orchestrator] %s: transition to %q: %v", key, cfg.Tracker.PostPRStatus, err)
	}

	if o.suggester != nil && isNew {
		o.postSuggestion(ctx, t, repo, pr.Number, rc.Language)
	}

	o.reg.Update(key, func(w *registry.WorkItem) { w.State = registry.StateMonitoring })
	log.Printf("[orchestrator] %s: PR %s ready, monitoring", key, pr.URL)
}

// postSuggestion runs the external suggest command and posts its output as a
// PR comment. Best effort; failures are logged and do not affect the ticket.
func (o *Orchestrator) postSuggestion(ctx context.Context, t *tracker.Ticket, repo string, prNumber int, language string) {
	prompt := fmt.Sprintf("Ticket %s: %s\n\n%s\n\nRepository: %s (%s)\nSuggest, in plain prose, the code changes that would resolve this ticket.",
		t.Key, t.Summary, t.Description, repo, language)

	out, err := o.suggester.Suggest(ctx, prompt)
	if err != nil {
		log.Printf("[orchestrator] %s: suggest command: %v", t.Key, err)
		return
	}
	if out == "" {
		return
	}
	body := fmt.Sprintf("Suggested approach for %s:\n\n%s", t.Key, out)
	if err := o.host.CommentPR(ctx, repo, prNumber, body); err != nil {
		log.Printf("[orchestrator] %s: post suggestion: %v", t.Key, err)
	}
}

// fail routes a pipeline error by kind. A conflict needs a human: requeueing
// it would loop forever against an unresolvable state. Everything else,
// authorization failures included, returns the ticket to the queue for
// retry, with the attempt counter bounding the loop.
func (o *Orchestrator) fail(ctx context.Context, key string, cause error) {
	switch apierr.KindOf(cause) {
	case apierr.KindConflict:
		o.failPermanent(ctx, key, cause.Error())
	default:
		o.failTransient(ctx, key, cause)
	}
}

// failTransient comments the failure and returns the ticket to the queue so
// the next poll retries it. After max_attempts such comments the ticket is
// blocked instead: retrying the same error forever only burns API quota.
func (o *Orchestrator) failTransient(ctx context.Context, key string, cause error) {
	cfg := o.Config()

	attempts, err := o.trk.CountComments(ctx, key, attemptMarker)
	if err != nil {
		log.Printf("[orchestrator] %s: count attempts: %v", key, err)
		attempts = 0
	}
	attempt := attempts + 1

	maxAttempts := cfg.Tracker.MaxAttempts
	if attempt >= maxAttempts {
		body := fmt.Sprintf("%s %d of %d failed: %v\n\nGiving up; moving to %q.",
			attemptMarker, attempt, maxAttempts, cause, cfg.Tracker.BlockedStatus)
		if err := o.trk.Comment(ctx, key, body); err != nil {
			log.Printf("[orchestrator] %s: comment failure: %v", key, err)
		}
		if err := o.trk.Transition(ctx, key, cfg.Tracker.BlockedStatus); err != nil {
			log.Printf("[orchestrator] %s: transition to %q: %v", key, cfg.Tracker.BlockedStatus, err)
		}
		o.reg.Retire(key, registry.StateBlocked)
		log.Printf("[orchestrator] %s: blocked after %d attempts: %v", key, attempt, cause)
		return
	}

	body := fmt.Sprintf("%s %d of %d failed: %v\n\nReturning to %q for retry.",
		attemptMarker, attempt, maxAttempts, cause, cfg.Tracker.QueueStatus)
	if err := o.trk.Comment(ctx, key, body); err != nil {
		log.Printf("[orchestrator] %s: comment failure: %v", key, err)
	}
	if err := o.trk.Transition(ctx, key, cfg.Tracker.QueueStatus); err != nil {
		log.Printf("[orchestrator] %s: transition to %q: %v", key, cfg.Tracker.QueueStatus, err)
	}
	o.reg.Retire(key, registry.StateFailed)
	log.Printf("[orchestrator] %s: attempt %d failed, requeued: %v", key, attempt, cause)
}

// failPermanent comments the reason and parks the ticket in the
// needs-attention status. Used for conflicts and for tickets missing their
// repository field, where a retry cannot succeed.
func (o *Orchestrator) failPermanent(ctx context.Context, key, reason string) {
	cfg := o.Config()

	body := fmt.Sprintf("ticketflow cannot set up this ticket: %s\n\nMoving to %q for manual review.",
		reason, cfg.Tracker.NeedsAttentionStatus)
	if err := o.trk.Comment(ctx, key, body); err != nil {
		log.Printf("[orchestrator] %s: comment failure: %v", key, err)
	}
	if err := o.trk.Transition(ctx, key, cfg.Tracker.NeedsAttentionStatus); err != nil {
		log.Printf("[orchestrator] %s: transition to %q: %v", key, cfg.Tracker.NeedsAttentionStatus, err)
	}
	o.reg.Retire(key, registry.StateNeedsAttention)
	log.Printf("[orchestrator] %s: needs attention: %s", key, reason)
}

// qualifyRepo turns a ticket's repository field into an org-qualified name
// and enforces the org allow-list.
func qualifyRepo(cfg *config.CodeHostConfig, field string) (string, error) {
	repo := strings.TrimSpace(field)
	if !strings.Contains(repo, "/") {
		if cfg.DefaultOrg == "" {
			return "", fmt.Errorf("repository %q has no org and no default_org is configured", repo)
		}
		repo = cfg.DefaultOrg + "/" + repo
	}

	org := strings.SplitN(repo, "/", 2)[0]
	for _, allowed := range cfg.AllowedOrgs {
		if strings.EqualFold(org, allowed) {
			return repo, nil
		}
	}
	return "", fmt.Errorf("repository %q is outside the allowed orgs %v", repo, cfg.AllowedOrgs)
}

// prBody renders the PR description: the ticket reference, and the advisor's
// strategy when one was produced.
func prBody(t *tracker.Ticket, strategy string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Workflow setup for **%s**: %s\n", t.Key, t.Summary)
	if t.Description != "" {
		fmt.Fprintf(&sb, "\n%s\n", t.Description)
	}
	if strategy != "" {
		fmt.Fprintf(&sb, "\n## Suggested approach\n\n%s\n", strategy)
	}
	return sb.String()
}
