// Package orchestrator drives the ticket-to-merge flow: it polls the tracker
// for actionable tickets, prepares a workflow branch and pull request for
// each, and hands the resulting work items to the monitor through the shared
// registry.
package orchestrator

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ytnobody/ticketflow/internal/config"
	"github.com/ytnobody/ticketflow/internal/githost"
	"github.com/ytnobody/ticketflow/internal/inspect"
	"github.com/ytnobody/ticketflow/internal/registry"
	"github.com/ytnobody/ticketflow/internal/tracker"
)

// Tracker is the slice of the ticket-tracker gateway the orchestrator needs.
type Tracker interface {
	FetchActionableTickets(ctx context.Context, queueStatus string) ([]*tracker.Ticket, error)
	Get(ctx context.Context, key string) (*tracker.Ticket, error)
	Transition(ctx context.Context, key, target string) error
	Comment(ctx context.Context, key, text string) error
	CountComments(ctx context.Context, key, marker string) (int, error)
}

// Host is the slice of the code-host gateway the orchestrator needs.
type Host interface {
	GetRepo(ctx context.Context, repo string) (*githost.Repository, error)
	EnsureBranch(ctx context.Context, repo, base, branch string) error
	UpsertFile(ctx context.Context, repo, branch, path, content, message string) error
	SecretNames(ctx context.Context, repo string) ([]string, error)
	OpenOrReusePR(ctx context.Context, repo, head, base, title, body string) (*githost.PullRequest, bool, error)
	GetPR(ctx context.Context, repo string, number int) (*githost.PullRequest, error)
	CommentPR(ctx context.Context, repo string, number int, body string) error
	SearchOpenPRs(ctx context.Context, org string) ([]githost.SearchResult, error)
}

// Inspector resolves per-repository build configuration.
type Inspector interface {
	ResolveConfig(ctx context.Context, repo string, fields tracker.FieldView) inspect.RepositoryConfig
}

// Advisor produces optional fix strategies and custom pipelines. May be nil.
type Advisor interface {
	FixStrategy(ctx context.Context, req AdvisorRequest) (string, error)
	Pipeline(ctx context.Context, req AdvisorRequest) (string, error)
}

// AdvisorRequest mirrors the advisor package's request shape so callers of
// this package do not need to import it.
type AdvisorRequest struct {
	TicketKey    string
	Summary      string
	Description  string
	RepoName     string
	Language     string
	BuildCommand string
	TestCommand  string
	DeployTarget string
	SecretNames  []string
}

// Suggester runs an external code-suggestion command. May be nil.
type Suggester interface {
	Suggest(ctx context.Context, prompt string) (string, error)
}

// Deps bundles the gateways the orchestrator is wired with.
type Deps struct {
	Tracker   Tracker
	Host      Host
	Inspector Inspector
	Advisor   Advisor
	Suggester Suggester
}

// Orchestrator owns the ingestion loop and startup reconciliation.
type Orchestrator struct {
	cfg        *config.Config
	cfgMu      sync.RWMutex // protects cfg for hot-reload
	configPath string       // path to ticketflow.toml for hot-reload watcher

	trk       Tracker
	host      Host
	inspector Inspector
	advisor   Advisor
	suggester Suggester

	reg  *registry.Registry
	idle *IdleDetector

	paused atomic.Bool // runtime override; seeded from cfg.Paused
	force  chan struct{}
}

// New creates an Orchestrator.
func New(cfg *config.Config, deps Deps, reg *registry.Registry) *Orchestrator {
	idleThreshold := time.Duration(cfg.Tracker.IdleThresholdMinutes) * time.Minute

	o := &Orchestrator{
		cfg:       cfg,
		trk:       deps.Tracker,
		host:      deps.Host,
		inspector: deps.Inspector,
		advisor:   deps.Advisor,
		suggester: deps.Suggester,
		reg:       reg,
		idle:      NewIdleDetector(idleThreshold),
		force:     make(chan struct{}, 1),
	}
	o.SetPaused(cfg.Paused)
	return o
}

// WithConfigPath enables hot-reload of the config file during Run.
// Call this before Run when you want changes to ticketflow.toml to take
// effect without restarting the process.
func (o *Orchestrator) WithConfigPath(path string) *Orchestrator {
	o.configPath = path
	return o
}

// Config returns the current active configuration.
// Safe to call from multiple goroutines.
func (o *Orchestrator) Config() *config.Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// Registry exposes the shared work-item registry.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.reg
}

// Paused reports whether ticket ingestion is currently paused.
func (o *Orchestrator) Paused() bool {
	return o.paused.Load()
}

// SetPaused toggles ticket ingestion at runtime. Monitoring of in-flight
// work is unaffected: dropping CI/PR tracking on pause would orphan work.
func (o *Orchestrator) SetPaused(paused bool) {
	o.paused.Store(paused)
}

// ForcePoll triggers an immediate poll cycle, waking the loop from an idle
// interval. Non-blocking; a poll already pending absorbs the request.
func (o *Orchestrator) ForcePoll() {
	select {
	case o.force <- struct{}{}:
	default:
	}
}

// Run starts the ingestion loop and the config watcher and blocks until ctx
// is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	log.Println("[orchestrator] starting")

	// Re-adopt in-flight work left over from a previous run before the
	// first poll, so a restarted process does not duplicate branches or
	// lose track of open PRs.
	o.reconcile(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return o.runIngest(ctx) })

	if o.configPath != "" {
		g.Go(func() error {
			o.runConfigWatcher(ctx)
			return nil
		})
	}

	err := g.Wait()
	log.Println("[orchestrator] stopped")
	return err
}

// runIngest is the main poll loop. Each cycle fetches actionable tickets and
// processes them sequentially in the tracker's priority order; the wait
// before the next cycle adapts to idle periods.
func (o *Orchestrator) runIngest(ctx context.Context) error {
	for {
		o.pollOnce(ctx)

		cfg := o.Config()
		normal := time.Duration(cfg.Tracker.PollIntervalMinutes) * time.Minute
		idleIv := time.Duration(cfg.Tracker.IdlePollMinutes) * time.Minute
		wait := o.idle.AdaptInterval(normal, idleIv)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-o.force:
			timer.Stop()
			o.idle.Wake()
			log.Println("[orchestrator] forced poll")
		case <-timer.C:
		}
	}
}

// pollOnce runs one ingestion cycle.
func (o *Orchestrator) pollOnce(ctx context.Context) {
	cfg := o.Config()

	if o.Paused() {
		log.Println("[orchestrator] paused, skipping ticket ingestion")
		o.idle.SetHasWork(o.reg.Len() > 0)
		return
	}

	tickets, err := o.trk.FetchActionableTickets(ctx, cfg.Tracker.QueueStatus)
	if err != nil {
		// A failed poll is not idle: keep the normal cadence so recovery
		// is picked up quickly.
		log.Printf("[orchestrator] fetch tickets: %v", err)
		o.idle.SetHasWork(true)
		return
	}

	o.idle.SetHasWork(len(tickets) > 0 || o.reg.Len() > 0)

	for _, t := range tickets {
		if ctx.Err() != nil {
			return
		}
		if o.reg.Has(t.Key) {
			continue
		}
		o.processTicket(ctx, t)
	}
}

// runConfigWatcher watches the ticketflow.toml config file for changes.
// When a valid new config is detected, it is atomically applied (safe for
// concurrent reads via Config()). Fields that affect running loops, such as
// poll intervals and the org allow-list, take effect on the next cycle
// because those loops read cfg through Config().
func (o *Orchestrator) runConfigWatcher(ctx context.Context) {
	w := config.NewWatcher(o.configPath)
	log.Printf("[config-watcher] watching %s for changes", o.configPath)

	cfgCh := w.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-cfgCh:
			if !ok {
				return
			}
			o.cfgMu.Lock()
			o.cfg = newCfg
			o.cfgMu.Unlock()
			o.SetPaused(newCfg.Paused)
			log.Println("[config-watcher] active config updated")
		}
	}
}
