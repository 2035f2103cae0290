// Package registry holds the in-memory WorkItem set shared by the ingestion
// and monitoring loops. It is the only mutable state in the process; after a
// restart it is rebuilt from the code host, never from disk.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// State tags a WorkItem's position in the pipeline.
type State string

const (
	StateQueued         State = "queued"
	StateAnalyzing      State = "analyzing"
	StateBranching      State = "branching"
	StatePRCreated      State = "pr_created"
	StatePRReused       State = "pr_reused"
	StateMonitoring     State = "monitoring"
	StateClosed         State = "closed"
	StateFailed         State = "failed"
	StateNeedsAttention State = "needs_attention"
	StateBlocked        State = "blocked"
)

// terminal states retire a WorkItem from the active set. NeedsAttention is
// terminal too: a parked ticket belongs to a human, and keeping it in the
// registry would both re-park it every monitor tick and block re-ingestion
// after the human returns it to the queue.
func (s State) terminal() bool {
	switch s {
	case StateClosed, StateFailed, StateBlocked, StateNeedsAttention:
		return true
	}
	return false
}

// CheckSummary is the last observed status of one CI check, kept for the
// status surface.
type CheckSummary struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
}

// WorkItem is one ticket's journey through the pipeline. Created by the
// orchestrator, then handed by reference to the monitor, which owns it until
// it is merged-and-closed or abandoned.
type WorkItem struct {
	TicketKey string `json:"ticket_key"`
	Repo      string `json:"repo"`
	Branch    string `json:"branch"`

	PRURL    string `json:"pr_url,omitempty"`
	PRNumber int    `json:"pr_number,omitempty"`
	HeadSHA  string `json:"head_sha,omitempty"`

	Checks []CheckSummary `json:"checks,omitempty"`

	SubPRURL     string    `json:"sub_pr_url,omitempty"`
	SubPRNumber  int       `json:"sub_pr_number,omitempty"`
	SubPRFoundAt time.Time `json:"sub_pr_found_at,omitempty"`
	SubPRMerged  bool      `json:"sub_pr_merged,omitempty"`

	// FailureReported dedups CI-failure comments: one comment per failed
	// run, reset when a new run supersedes it.
	FailureReported bool   `json:"failure_reported,omitempty"`
	ReportedRunID   int64  `json:"reported_run_id,omitempty"`
	LastError       string `json:"last_error,omitempty"`

	State     State     `json:"state"`
	Attempts  int       `json:"attempts,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BranchFor derives the deterministic feature branch name for a ticket key.
// Stability across polls and restarts is what makes re-processing converge
// on one branch and one PR instead of duplicating them.
func BranchFor(ticketKey string) string {
	return fmt.Sprintf("chore/%s-workflow-setup", ticketKey)
}

// Registry is the mutex-guarded WorkItem set plus a bounded recent-history
// ring. The mutex is never held across network calls: loops read a copy,
// talk to the network, then write back through Update.
type Registry struct {
	mu          sync.Mutex
	items       map[string]*WorkItem
	history     []WorkItem
	historySize int
}

// New creates an empty registry keeping up to historySize retired items.
func New(historySize int) *Registry {
	if historySize <= 0 {
		historySize = 50
	}
	return &Registry{
		items:       make(map[string]*WorkItem),
		historySize: historySize,
	}
}

// Add inserts a WorkItem for ticketKey if absent and returns it. When an
// item already exists (same ticket seen by a later poll or by
// reconciliation), the existing item is returned with added=false so callers
// never duplicate in-flight work.
func (r *Registry) Add(item *WorkItem) (w *WorkItem, added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.items[item.TicketKey]; ok {
		return existing, false
	}
	item.UpdatedAt = time.Now()
	if item.State == "" {
		item.State = StateQueued
	}
	r.items[item.TicketKey] = item
	return item, true
}

// Get returns a copy of the WorkItem for ticketKey.
func (r *Registry) Get(ticketKey string) (WorkItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[ticketKey]
	if !ok {
		return WorkItem{}, false
	}
	return *item, true
}

// Has reports whether ticketKey is being tracked.
func (r *Registry) Has(ticketKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.items[ticketKey]
	return ok
}

// Update mutates the WorkItem for ticketKey under the registry lock. A
// terminal state set by fn retires the item into history. Reports whether
// the item existed.
func (r *Registry) Update(ticketKey string, fn func(*WorkItem)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[ticketKey]
	if !ok {
		return false
	}
	fn(item)
	item.UpdatedAt = time.Now()
	if item.State.terminal() {
		r.retireLocked(item)
	}
	return true
}

// Retire removes ticketKey from the active set with a final state.
func (r *Registry) Retire(ticketKey string, state State) {
	r.Update(ticketKey, func(w *WorkItem) { w.State = state })
}

func (r *Registry) retireLocked(item *WorkItem) {
	delete(r.items, item.TicketKey)
	r.history = append(r.history, *item)
	if len(r.history) > r.historySize {
		r.history = r.history[len(r.history)-r.historySize:]
	}
}

// Active returns copies of all tracked WorkItems, sorted by ticket key for
// stable iteration.
func (r *Registry) Active() []WorkItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WorkItem, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TicketKey < out[j].TicketKey })
	return out
}

// Monitoring returns copies of WorkItems the monitor loop should visit.
func (r *Registry) Monitoring() []WorkItem {
	var out []WorkItem
	for _, item := range r.Active() {
		if item.State == StateMonitoring || item.State == StatePRCreated ||
			item.State == StatePRReused {
			out = append(out, item)
		}
	}
	return out
}

// Snapshot is the registry view served by the status surface.
type Snapshot struct {
	Active []WorkItem `json:"active"`
	Recent []WorkItem `json:"recent"`
}

// Snapshot returns a point-in-time copy of active items and recent history.
func (r *Registry) Snapshot() Snapshot {
	active := r.Active()
	r.mu.Lock()
	recent := make([]WorkItem, len(r.history))
	copy(recent, r.history)
	r.mu.Unlock()
	return Snapshot{Active: active, Recent: recent}
}

// Len returns the number of active items.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
