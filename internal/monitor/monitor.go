// Package monitor watches in-flight pull requests: it drives delegated
// sub-PRs toward merge, reports CI failures back to the ticket exactly once
// per run, and closes the loop by marking tickets Done only after their PR
// is observed merged.
package monitor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ytnobody/ticketflow/internal/apierr"
	"github.com/ytnobody/ticketflow/internal/config"
	"github.com/ytnobody/ticketflow/internal/githost"
	"github.com/ytnobody/ticketflow/internal/registry"
)

// Tracker is the slice of the ticket-tracker gateway the monitor needs.
type Tracker interface {
	Transition(ctx context.Context, key, target string) error
	Comment(ctx context.Context, key, text string) error
}

// Host is the slice of the code-host gateway the monitor needs.
type Host interface {
	GetPR(ctx context.Context, repo string, number int) (*githost.PullRequest, error)
	ChecksForRef(ctx context.Context, repo, ref string) ([]githost.CheckRun, error)
	LatestRunForRef(ctx context.Context, repo, sha, branch string) (*githost.WorkflowRun, error)
	JobsForRun(ctx context.Context, repo string, runID int64) ([]githost.Job, error)
	FindDelegatedSubPR(ctx context.Context, repo string, parent *githost.PullRequest, allowHeuristic bool) (*githost.PullRequest, error)
	AdvanceSubPR(ctx context.Context, repo string, sub *githost.PullRequest, wipMarkers []string) (bool, error)
	CommentPR(ctx context.Context, repo string, number int, body string) error
}

// Cleaner deletes retired feature branches. May be nil.
type Cleaner interface {
	CleanBranch(ctx context.Context, repo, branch string) (bool, error)
}

// Monitor owns the PR reconciliation loop.
type Monitor struct {
	cfgFn   func() *config.Config // live config; follows hot reloads
	trk     Tracker
	host    Host
	cleaner Cleaner
	reg     *registry.Registry
}

// New creates a Monitor. cfgFn is called each cycle so config hot-reloads
// take effect without restart.
func New(cfgFn func() *config.Config, trk Tracker, host Host, cleaner Cleaner, reg *registry.Registry) *Monitor {
	return &Monitor{cfgFn: cfgFn, trk: trk, host: host, cleaner: cleaner, reg: reg}
}

// Run drives the monitoring loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	interval := time.Duration(m.cfgFn().Monitor.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	log.Printf("[monitor] started (interval: %v)", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[monitor] stopped")
			return ctx.Err()
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

// cycle inspects every monitored work item once.
func (m *Monitor) cycle(ctx context.Context) {
	for _, item := range m.reg.Monitoring() {
		if ctx.Err() != nil {
			return
		}
		m.inspect(ctx, item)
	}
}

// inspect reconciles one work item against the observed PR state. Transient
// errors leave the item untouched: the next cycle simply looks again.
func (m *Monitor) inspect(ctx context.Context, item registry.WorkItem) {
	cfg := m.cfgFn()
	key := item.TicketKey

	pr, err := m.host.GetPR(ctx, item.Repo, item.PRNumber)
	if err != nil {
		if apierr.IsNotFound(err) {
			m.park(ctx, key, fmt.Sprintf("pull request %s no longer exists", item.PRURL))
			return
		}
		log.Printf("[monitor] %s: fetch PR: %v", key, err)
		return
	}

	if pr.Merged || strings.EqualFold(pr.State, "MERGED") {
		m.finish(ctx, cfg, item, pr)
		return
	}
	if strings.EqualFold(pr.State, "CLOSED") {
		m.park(ctx, key, fmt.Sprintf("pull request %s was closed without merging", item.PRURL))
		return
	}

	// A new head commit supersedes any reported failure.
	if pr.HeadSHA != "" && pr.HeadSHA != item.HeadSHA {
		m.reg.Update(key, func(w *registry.WorkItem) {
			w.HeadSHA = pr.HeadSHA
			w.FailureReported = false
			w.ReportedRunID = 0
		})
		item.HeadSHA = pr.HeadSHA
		item.FailureReported = false
		item.ReportedRunID = 0
	}

	if parked := m.reconcileSubPR(ctx, cfg, &item, pr); parked {
		return
	}
	m.reconcileChecks(ctx, cfg, &item, pr)
}

// reconcileSubPR locates and advances a delegated sub-PR targeting the work
// item's feature branch. parked reports that a merge conflict retired the
// item, so the caller must not keep working on it.
func (m *Monitor) reconcileSubPR(ctx context.Context, cfg *config.Config, item *registry.WorkItem, parent *githost.PullRequest) (parked bool) {
	key := item.TicketKey

	if item.SubPRMerged {
		return false
	}

	var sub *githost.PullRequest
	var err error
	if item.SubPRNumber != 0 {
		sub, err = m.host.GetPR(ctx, item.Repo, item.SubPRNumber)
		if err != nil {
			log.Printf("[monitor] %s: fetch sub-PR #%d: %v", key, item.SubPRNumber, err)
			return false
		}
	} else {
		sub, err = m.host.FindDelegatedSubPR(ctx, item.Repo, parent, cfg.CodeHost.AllowHeuristicSubPRMatch)
		if err != nil {
			log.Printf("[monitor] %s: find sub-PR: %v", key, err)
			return false
		}
		if sub == nil {
			return false // nothing delegated yet; steady state
		}
		log.Printf("[monitor] %s: found delegated sub-PR #%d", key, sub.Number)
		m.reg.Update(key, func(w *registry.WorkItem) {
			w.SubPRNumber = sub.Number
			w.SubPRURL = sub.URL
			w.SubPRFoundAt = time.Now()
		})
	}

	if sub.Merged || strings.EqualFold(sub.State, "MERGED") {
		m.reg.Update(key, func(w *registry.WorkItem) { w.SubPRMerged = true })
		log.Printf("[monitor] %s: sub-PR #%d merged", key, sub.Number)
		return false
	}

	merged, err := m.host.AdvanceSubPR(ctx, item.Repo, sub, cfg.CodeHost.WIPMarkers)
	if err != nil {
		// Only a merge conflict comes back as an error; a human has to
		// resolve it on the sub-PR. Parking retires the item, so the
		// conflict is reported exactly once instead of on every tick.
		log.Printf("[monitor] %s: sub-PR #%d: %v", key, sub.Number, err)
		m.park(ctx, key, fmt.Sprintf("Delegated pull request %s has a merge conflict and needs manual resolution.", sub.URL))
		return true
	}
	if merged {
		m.reg.Update(key, func(w *registry.WorkItem) { w.SubPRMerged = true })
		log.Printf("[monitor] %s: sub-PR #%d merged", key, sub.Number)
	}
	return false
}

// reconcileChecks records the current CI state and reports a failed run once.
func (m *Monitor) reconcileChecks(ctx context.Context, cfg *config.Config, item *registry.WorkItem, pr *githost.PullRequest) {
	key := item.TicketKey

	checks, err := m.host.ChecksForRef(ctx, item.Repo, pr.HeadSHA)
	if err != nil {
		log.Printf("[monitor] %s: fetch checks: %v", key, err)
	} else {
		summaries := make([]registry.CheckSummary, 0, len(checks))
		for _, c := range checks {
			summaries = append(summaries, registry.CheckSummary{
				Name:       c.Name,
				Status:     c.Status,
				Conclusion: c.Conclusion,
			})
		}
		m.reg.Update(key, func(w *registry.WorkItem) { w.Checks = summaries })
	}

	run, err := m.host.LatestRunForRef(ctx, item.Repo, pr.HeadSHA, pr.HeadRefName)
	if err != nil {
		log.Printf("[monitor] %s: fetch runs: %v", key, err)
		return
	}
	if run == nil || run.Status != "completed" {
		return
	}
	if run.Conclusion != "failure" && run.Conclusion != "timed_out" {
		return
	}
	if item.FailureReported && item.ReportedRunID == run.ID {
		return // already reported this run
	}

	body := m.failureSummary(ctx, cfg, item.Repo, run)
	if err := m.host.CommentPR(ctx, item.Repo, item.PRNumber, body); err != nil {
		log.Printf("[monitor] %s: comment failure: %v", key, err)
		return // retry next cycle; dedup flag stays unset
	}
	// Mirror the summary on the ticket: a tracker observer never sees PR
	// comments. Shares the per-run dedup with the PR comment above.
	m.commentTicket(ctx, key, fmt.Sprintf("CI failed on pull request %s.\n\n%s", item.PRURL, body))
	m.reg.Update(key, func(w *registry.WorkItem) {
		w.FailureReported = true
		w.ReportedRunID = run.ID
	})
	log.Printf("[monitor] %s: reported failed run %d", key, run.ID)
}

// failureSummary builds the PR comment for a failed workflow run: the failed
// jobs and their failed steps, plus a deploy hint when a failing job name
// matches a deploy keyword.
func (m *Monitor) failureSummary(ctx context.Context, cfg *config.Config, repo string, run *githost.WorkflowRun) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CI run [%s](%s) failed.\n", run.Name, run.URL)

	jobs, err := m.host.JobsForRun(ctx, repo, run.ID)
	if err != nil {
		log.Printf("[monitor] %s: fetch jobs for run %d: %v", repo, run.ID, err)
		return sb.String()
	}

	deployHit := false
	for _, job := range jobs {
		if job.Conclusion != "failure" {
			continue
		}
		fmt.Fprintf(&sb, "\n- job **%s** failed", job.Name)
		for _, step := range job.Steps {
			if step.Conclusion == "failure" {
				fmt.Fprintf(&sb, " at step %q", step.Name)
				break
			}
		}
		if matchesKeyword(job.Name, cfg.Monitor.DeployKeywords) {
			deployHit = true
		}
	}

	if deployHit {
		sb.WriteString("\n\nA deploy-related job failed. Check the deploy target's credentials and environment before retrying.")
	}
	return sb.String()
}

// finish handles an observed merge: the only path that marks a ticket Done.
func (m *Monitor) finish(ctx context.Context, cfg *config.Config, item registry.WorkItem, pr *githost.PullRequest) {
	key := item.TicketKey
	log.Printf("[monitor] %s: PR %s merged", key, item.PRURL)

	m.commentTicket(ctx, key, fmt.Sprintf("Pull request %s merged. Workflow setup complete.", item.PRURL))
	if err := m.trk.Transition(ctx, key, cfg.Tracker.DoneStatus); err != nil {
		log.Printf("[monitor] %s: transition to %q: %v", key, cfg.Tracker.DoneStatus, err)
	}

	if cfg.CodeHost.CleanupMergedBranches && m.cleaner != nil {
		if _, err := m.cleaner.CleanBranch(ctx, item.Repo, pr.HeadRefName); err != nil {
			log.Printf("[monitor] %s: clean branch %s: %v", key, pr.HeadRefName, err)
		}
	}

	m.reg.Retire(key, registry.StateClosed)
}

// park moves a work item into needs-attention: the PR disappeared or was
// closed and only a human can decide what happens next.
func (m *Monitor) park(ctx context.Context, key, reason string) {
	cfg := m.cfgFn()
	m.commentTicket(ctx, key, fmt.Sprintf("%s Moving to %q for manual review.", reason, cfg.Tracker.NeedsAttentionStatus))
	if err := m.trk.Transition(ctx, key, cfg.Tracker.NeedsAttentionStatus); err != nil {
		log.Printf("[monitor] %s: transition to %q: %v", key, cfg.Tracker.NeedsAttentionStatus, err)
	}
	m.reg.Retire(key, registry.StateNeedsAttention)
	log.Printf("[monitor] %s: needs attention: %s", key, reason)
}

func (m *Monitor) commentTicket(ctx context.Context, key, body string) {
	if err := m.trk.Comment(ctx, key, body); err != nil {
		log.Printf("[monitor] %s: comment: %v", key, err)
	}
}

// matchesKeyword reports whether name contains any keyword,
// case-insensitively.
func matchesKeyword(name string, keywords []string) bool {
	lower := strings.ToLower(name)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
