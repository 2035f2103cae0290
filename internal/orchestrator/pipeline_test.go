package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ytnobody/ticketflow/internal/apierr"
	"github.com/ytnobody/ticketflow/internal/config"
	"github.com/ytnobody/ticketflow/internal/githost"
	"github.com/ytnobody/ticketflow/internal/inspect"
	"github.com/ytnobody/ticketflow/internal/registry"
	"github.com/ytnobody/ticketflow/internal/tracker"
)

func testConfig() *config.Config {
	return &config.Config{
		Tracker: config.TrackerConfig{
			QueueStatus:          "To Do",
			InProgressStatus:     "In Progress",
			PostPRStatus:         "In Review",
			NeedsAttentionStatus: "Needs Attention",
			BlockedStatus:        "Blocked",
			DoneStatus:           "Done",
			MaxAttempts:          3,
			PollIntervalMinutes:  5,
			IdlePollMinutes:      15,
		},
		CodeHost: config.CodeHostConfig{
			AllowedOrgs: []string{"acme"},
			DefaultOrg:  "acme",
		},
	}
}

type fakeTracker struct {
	tickets     map[string]*tracker.Ticket
	getErr      map[string]error
	attempts    int
	transitions []string
	comments    []string
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{tickets: map[string]*tracker.Ticket{}, getErr: map[string]error{}}
}

func (f *fakeTracker) FetchActionableTickets(context.Context, string) ([]*tracker.Ticket, error) {
	var out []*tracker.Ticket
	for _, t := range f.tickets {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTracker) Get(_ context.Context, key string) (*tracker.Ticket, error) {
	if err, ok := f.getErr[key]; ok {
		return nil, err
	}
	t, ok := f.tickets[key]
	if !ok {
		return nil, apierr.NotFound("tracker: get " + key)
	}
	return t, nil
}

func (f *fakeTracker) Transition(_ context.Context, key, target string) error {
	f.transitions = append(f.transitions, key+"->"+target)
	return nil
}

func (f *fakeTracker) Comment(_ context.Context, key, text string) error {
	f.comments = append(f.comments, key+": "+text)
	return nil
}

func (f *fakeTracker) CountComments(_ context.Context, _, _ string) (int, error) {
	return f.attempts, nil
}

type fakeHost struct {
	repo           *githost.Repository
	getRepoErr     error
	branchErr      error
	upsertErr      error
	prErr          error
	prIsNew        bool
	pr             *githost.PullRequest
	prs            map[string]*githost.PullRequest // "repo#n"
	search         map[string][]githost.SearchResult
	searchErr      error
	secretNames    []string
	calls          []string
	upsertContents map[string]string
}

func newFakeHost() *fakeHost {
	repo := &githost.Repository{FullName: "acme/web", DefaultBranch: "main"}
	repo.Permissions.Push = true
	return &fakeHost{
		repo:           repo,
		prIsNew:        true,
		prs:            map[string]*githost.PullRequest{},
		search:         map[string][]githost.SearchResult{},
		upsertContents: map[string]string{},
	}
}

func (f *fakeHost) GetRepo(_ context.Context, repo string) (*githost.Repository, error) {
	f.calls = append(f.calls, "GetRepo "+repo)
	if f.getRepoErr != nil {
		return nil, f.getRepoErr
	}
	return f.repo, nil
}

func (f *fakeHost) EnsureBranch(_ context.Context, repo, base, branch string) error {
	f.calls = append(f.calls, fmt.Sprintf("EnsureBranch %s %s<-%s", repo, base, branch))
	return f.branchErr
}

func (f *fakeHost) UpsertFile(_ context.Context, repo, branch, path, content, _ string) error {
	f.calls = append(f.calls, fmt.Sprintf("UpsertFile %s %s %s", repo, branch, path))
	f.upsertContents[path] = content
	return f.upsertErr
}

func (f *fakeHost) SecretNames(_ context.Context, repo string) ([]string, error) {
	return f.secretNames, nil
}

func (f *fakeHost) OpenOrReusePR(_ context.Context, repo, head, base, title, body string) (*githost.PullRequest, bool, error) {
	f.calls = append(f.calls, fmt.Sprintf("OpenOrReusePR %s %s->%s", repo, head, base))
	if f.prErr != nil {
		return nil, false, f.prErr
	}
	if f.pr == nil {
		f.pr = &githost.PullRequest{
			Number:      7,
			URL:         "https://github.com/" + repo + "/pull/7",
			Title:       title,
			Body:        body,
			HeadRefName: head,
			BaseRefName: base,
			HeadSHA:     "abc123",
		}
	}
	return f.pr, f.prIsNew, nil
}

func (f *fakeHost) GetPR(_ context.Context, repo string, number int) (*githost.PullRequest, error) {
	f.calls = append(f.calls, fmt.Sprintf("GetPR %s#%d", repo, number))
	pr, ok := f.prs[fmt.Sprintf("%s#%d", repo, number)]
	if !ok {
		return nil, apierr.NotFound("githost: get pr")
	}
	return pr, nil
}

func (f *fakeHost) CommentPR(_ context.Context, repo string, number int, body string) error {
	f.calls = append(f.calls, fmt.Sprintf("CommentPR %s#%d", repo, number))
	return nil
}

func (f *fakeHost) SearchOpenPRs(_ context.Context, org string) ([]githost.SearchResult, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.search[org], nil
}

type staticInspector struct{ rc inspect.RepositoryConfig }

func (s staticInspector) ResolveConfig(context.Context, string, tracker.FieldView) inspect.RepositoryConfig {
	return s.rc
}

func newTestOrchestrator(trk *fakeTracker, host *fakeHost) *Orchestrator {
	return New(testConfig(), Deps{
		Tracker: trk,
		Host:    host,
		Inspector: staticInspector{rc: inspect.RepositoryConfig{
			Language:      "node",
			BuildCommand:  "npm ci && npm run build",
			TestCommand:   "npm test",
			DefaultBranch: "main",
		}},
	}, registry.New(16))
}

func ticketWithRepo(key, repo string) *tracker.Ticket {
	return &tracker.Ticket{
		Key:     key,
		Summary: "Set up workflow",
		Fields:  tracker.NewFieldView(map[string]any{"repository": repo}),
	}
}

func TestProcessTicketHappyPath(t *testing.T) {
	trk := newFakeTracker()
	host := newFakeHost()
	o := newTestOrchestrator(trk, host)

	o.processTicket(context.Background(), ticketWithRepo("PROJ-1", "acme/web"))

	item, ok := o.reg.Get("PROJ-1")
	if !ok {
		t.Fatal("work item not registered")
	}
	if item.State != registry.StateMonitoring {
		t.Errorf("state = %s, want monitoring", item.State)
	}
	if item.PRNumber != 7 || item.HeadSHA != "abc123" {
		t.Errorf("PR details not recorded: %+v", item)
	}
	if item.Branch != "chore/PROJ-1-workflow-setup" {
		t.Errorf("branch = %q", item.Branch)
	}

	wantTransitions := []string{"PROJ-1->In Progress", "PROJ-1->In Review"}
	if len(trk.transitions) != 2 || trk.transitions[0] != wantTransitions[0] || trk.transitions[1] != wantTransitions[1] {
		t.Errorf("transitions = %v, want %v", trk.transitions, wantTransitions)
	}

	if len(trk.comments) != 1 || !strings.Contains(trk.comments[0], "pull/7") {
		t.Errorf("expected one PR-link comment, got %v", trk.comments)
	}

	if _, ok := host.upsertContents[".github/workflows/ticketflow.yml"]; !ok {
		t.Error("workflow file not written")
	}
}

func TestProcessTicketBareRepoGetsDefaultOrg(t *testing.T) {
	trk := newFakeTracker()
	host := newFakeHost()
	o := newTestOrchestrator(trk, host)

	o.processTicket(context.Background(), ticketWithRepo("PROJ-2", "web"))

	item, ok := o.reg.Get("PROJ-2")
	if !ok {
		t.Fatal("work item not registered")
	}
	if item.Repo != "acme/web" {
		t.Errorf("repo = %q, want acme/web", item.Repo)
	}
}

func TestProcessTicketOrgOutsideAllowListNeverTouchesHost(t *testing.T) {
	trk := newFakeTracker()
	host := newFakeHost()
	o := newTestOrchestrator(trk, host)

	o.processTicket(context.Background(), ticketWithRepo("PROJ-3", "evil/web"))

	if len(host.calls) != 0 {
		t.Errorf("host was called for a disallowed org: %v", host.calls)
	}
	var requeued bool
	for _, tr := range trk.transitions {
		if tr == "PROJ-3->To Do" {
			requeued = true
		}
	}
	if !requeued {
		t.Errorf("scope violation must revert the ticket to the queue: %v", trk.transitions)
	}
	if len(trk.comments) == 0 || !strings.Contains(trk.comments[0], "allowed orgs") {
		t.Errorf("expected a scope-violation comment, got %v", trk.comments)
	}
	if o.reg.Has("PROJ-3") {
		t.Error("disallowed ticket left in active registry")
	}
}

func TestProcessTicketUnauthorizedRequeues(t *testing.T) {
	trk := newFakeTracker()
	host := newFakeHost()
	host.getRepoErr = apierr.New(apierr.KindUnauthorized, "githost: get repo", errors.New("HTTP 403"))
	o := newTestOrchestrator(trk, host)

	o.processTicket(context.Background(), ticketWithRepo("PROJ-11", "acme/web"))

	var requeued, attention bool
	for _, tr := range trk.transitions {
		switch tr {
		case "PROJ-11->To Do":
			requeued = true
		case "PROJ-11->Needs Attention":
			attention = true
		}
	}
	if !requeued {
		t.Errorf("unauthorized failure must revert the ticket to the queue: %v", trk.transitions)
	}
	if attention {
		t.Errorf("unauthorized failure must not park the ticket: %v", trk.transitions)
	}
	if o.reg.Has("PROJ-11") {
		t.Error("failed item should be retired")
	}
}

func TestProcessTicketMissingRepoField(t *testing.T) {
	trk := newFakeTracker()
	host := newFakeHost()
	o := newTestOrchestrator(trk, host)

	o.processTicket(context.Background(), &tracker.Ticket{Key: "PROJ-4", Summary: "no repo"})

	if len(host.calls) != 0 {
		t.Errorf("host called without a repository: %v", host.calls)
	}
	if len(trk.comments) == 0 || !strings.Contains(trk.comments[0], "no repository field") {
		t.Errorf("expected explanatory comment, got %v", trk.comments)
	}
}

func TestProcessTicketTransientFailureRequeues(t *testing.T) {
	trk := newFakeTracker()
	host := newFakeHost()
	host.branchErr = apierr.New(apierr.KindTransient, "githost: create ref", errors.New("HTTP 502"))
	o := newTestOrchestrator(trk, host)

	o.processTicket(context.Background(), ticketWithRepo("PROJ-5", "acme/web"))

	if o.reg.Has("PROJ-5") {
		t.Error("failed item should be retired")
	}
	var requeued, marked bool
	for _, tr := range trk.transitions {
		if tr == "PROJ-5->To Do" {
			requeued = true
		}
	}
	for _, c := range trk.comments {
		if strings.Contains(c, attemptMarker) {
			marked = true
		}
	}
	if !requeued {
		t.Errorf("ticket not returned to queue: %v", trk.transitions)
	}
	if !marked {
		t.Errorf("attempt marker comment missing: %v", trk.comments)
	}
}

func TestProcessTicketBlockedAfterMaxAttempts(t *testing.T) {
	trk := newFakeTracker()
	trk.attempts = 2 // two prior attempt comments already on the ticket
	host := newFakeHost()
	host.prErr = apierr.New(apierr.KindTransient, "githost: pr create", errors.New("HTTP 500"))
	o := newTestOrchestrator(trk, host)

	o.processTicket(context.Background(), ticketWithRepo("PROJ-6", "acme/web"))

	var blocked bool
	for _, tr := range trk.transitions {
		if tr == "PROJ-6->Blocked" {
			blocked = true
		}
	}
	if !blocked {
		t.Errorf("third failure should block the ticket: %v", trk.transitions)
	}
}

func TestProcessTicketConflictNeedsAttention(t *testing.T) {
	trk := newFakeTracker()
	host := newFakeHost()
	host.upsertErr = apierr.New(apierr.KindConflict, "githost: put contents", errors.New("HTTP 409"))
	o := newTestOrchestrator(trk, host)

	o.processTicket(context.Background(), ticketWithRepo("PROJ-7", "acme/web"))

	var attention bool
	for _, tr := range trk.transitions {
		if tr == "PROJ-7->Needs Attention" {
			attention = true
		}
	}
	if !attention {
		t.Errorf("conflict should park the ticket: %v", trk.transitions)
	}
}

func TestProcessTicketNoPushAccess(t *testing.T) {
	trk := newFakeTracker()
	host := newFakeHost()
	host.repo.Permissions.Push = false
	o := newTestOrchestrator(trk, host)

	o.processTicket(context.Background(), ticketWithRepo("PROJ-8", "acme/web"))

	for _, c := range host.calls {
		if strings.HasPrefix(c, "EnsureBranch") || strings.HasPrefix(c, "UpsertFile") {
			t.Errorf("wrote to a repo without push access: %v", host.calls)
		}
	}
	var requeued bool
	for _, tr := range trk.transitions {
		if tr == "PROJ-8->To Do" {
			requeued = true
		}
	}
	if !requeued {
		t.Errorf("missing push access must revert the ticket to the queue: %v", trk.transitions)
	}
}

func TestProcessTicketReusedPRSkipsLinkComment(t *testing.T) {
	trk := newFakeTracker()
	host := newFakeHost()
	host.prIsNew = false
	o := newTestOrchestrator(trk, host)

	o.processTicket(context.Background(), ticketWithRepo("PROJ-9", "acme/web"))

	if len(trk.comments) != 0 {
		t.Errorf("reused PR should not re-comment the link: %v", trk.comments)
	}
	item, _ := o.reg.Get("PROJ-9")
	if item.State != registry.StateMonitoring {
		t.Errorf("state = %s, want monitoring", item.State)
	}
}

func TestProcessTicketSkipsWhenAlreadyInFlight(t *testing.T) {
	trk := newFakeTracker()
	host := newFakeHost()
	o := newTestOrchestrator(trk, host)

	o.reg.Add(&registry.WorkItem{TicketKey: "PROJ-10", State: registry.StateMonitoring})
	o.processTicket(context.Background(), ticketWithRepo("PROJ-10", "acme/web"))

	if len(host.calls) != 0 {
		t.Errorf("in-flight ticket reprocessed: %v", host.calls)
	}
}

func TestQualifyRepo(t *testing.T) {
	cfg := &config.CodeHostConfig{AllowedOrgs: []string{"acme", "Widgets"}, DefaultOrg: "acme"}

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"acme/web", "acme/web", false},
		{"web", "acme/web", false},
		{"widgets/api", "widgets/api", false}, // org match is case-insensitive
		{"evil/web", "", true},
	}
	for _, tt := range tests {
		got, err := qualifyRepo(cfg, tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("qualifyRepo(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("qualifyRepo(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
