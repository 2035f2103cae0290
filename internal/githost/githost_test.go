package githost

import (
	"context"
	"strings"
	"testing"

	"github.com/ytnobody/ticketflow/internal/apierr"
)

// fakeRunner scripts gh invocations by joined-argument key.
type fakeRunner struct {
	responses map[string]string
	errors    map[string]error
	calls     []string
	stdins    map[string][]byte
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		responses: make(map[string]string),
		errors:    make(map[string]error),
		stdins:    make(map[string][]byte),
	}
}

func (f *fakeRunner) Run(_ context.Context, stdin []byte, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if stdin != nil {
		f.stdins[key] = stdin
	}
	if err, ok := f.errors[key]; ok {
		return nil, err
	}
	if out, ok := f.responses[key]; ok {
		return []byte(out), nil
	}
	return nil, apierr.NotFound(key)
}

func (f *fakeRunner) called(key string) bool {
	for _, c := range f.calls {
		if c == key {
			return true
		}
	}
	return false
}

func TestClassifyGHError(t *testing.T) {
	tests := []struct {
		stderr string
		want   apierr.Kind
	}{
		{"gh: Not Found (HTTP 404)", apierr.KindNotFound},
		{"gh: Must have admin rights (HTTP 403)", apierr.KindUnauthorized},
		{"gh: Reference already exists (HTTP 422)", apierr.KindConflict},
		{"GraphQL: Pull Request is not mergeable", apierr.KindConflict},
		{"dial tcp: connection refused", apierr.KindTransient},
		{"", apierr.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.stderr, func(t *testing.T) {
			err := classifyGHError("gh api", tt.stderr, context.DeadlineExceeded)
			if got := apierr.KindOf(err); got != tt.want {
				t.Errorf("kind = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEnsureBranchExisting(t *testing.T) {
	r := newFakeRunner()
	r.responses["api repos/acme/x/git/ref/heads/chore/ABC-1-workflow-setup"] =
		`{"ref":"refs/heads/chore/ABC-1-workflow-setup","object":{"sha":"abc123"}}`

	c := New().WithRunner(r)
	if err := c.EnsureBranch(context.Background(), "acme/x", "main", "chore/ABC-1-workflow-setup"); err != nil {
		t.Fatal(err)
	}
	for _, call := range r.calls {
		if strings.Contains(call, "POST") {
			t.Errorf("existing branch must not trigger a create, saw %q", call)
		}
	}
}

func TestEnsureBranchCreates(t *testing.T) {
	r := newFakeRunner()
	r.responses["api repos/acme/x/git/ref/heads/main"] =
		`{"ref":"refs/heads/main","object":{"sha":"base-sha"}}`
	r.responses["api -X POST repos/acme/x/git/refs --input -"] = `{}`

	c := New().WithRunner(r)
	if err := c.EnsureBranch(context.Background(), "acme/x", "main", "chore/ABC-1-workflow-setup"); err != nil {
		t.Fatal(err)
	}

	stdin := r.stdins["api -X POST repos/acme/x/git/refs --input -"]
	if !strings.Contains(string(stdin), "base-sha") {
		t.Errorf("create payload missing base sha: %s", stdin)
	}
	if !strings.Contains(string(stdin), "refs/heads/chore/ABC-1-workflow-setup") {
		t.Errorf("create payload missing ref: %s", stdin)
	}
}

func TestEnsureBranchLostRaceIsSuccess(t *testing.T) {
	r := newFakeRunner()
	r.responses["api repos/acme/x/git/ref/heads/main"] =
		`{"object":{"sha":"base-sha"}}`
	r.errors["api -X POST repos/acme/x/git/refs --input -"] =
		apierr.New(apierr.KindConflict, "gh api", nil)

	c := New().WithRunner(r)
	if err := c.EnsureBranch(context.Background(), "acme/x", "main", "chore/ABC-1-workflow-setup"); err != nil {
		t.Fatalf("lost creation race must be success, got %v", err)
	}
}

func TestUpsertFileIncludesSHAOnUpdate(t *testing.T) {
	r := newFakeRunner()
	// escapePath escapes each segment separately; slashes survive.
	r.responses["api repos/acme/x/contents/.github/workflows/ci.yml?ref=feat"] =
		`{"sha":"old-sha","content":""}`
	r.responses["api -X PUT repos/acme/x/contents/.github/workflows/ci.yml --input -"] = `{}`

	c := New().WithRunner(r)
	err := c.UpsertFile(context.Background(), "acme/x", "feat", ".github/workflows/ci.yml", "jobs:", "add ci")
	if err != nil {
		t.Fatal(err)
	}
	stdin := r.stdins["api -X PUT repos/acme/x/contents/.github/workflows/ci.yml --input -"]
	if !strings.Contains(string(stdin), "old-sha") {
		t.Errorf("update payload must carry the existing blob sha: %s", stdin)
	}
}

func TestUpsertFileCreateWhenMissing(t *testing.T) {
	r := newFakeRunner()
	r.responses["api -X PUT repos/acme/x/contents/README.md --input -"] = `{}`

	c := New().WithRunner(r)
	// GET falls through to the fake's default NotFound, which must not fail
	// the upsert.
	if err := c.UpsertFile(context.Background(), "acme/x", "feat", "README.md", "hi", "add readme"); err != nil {
		t.Fatal(err)
	}
	stdin := r.stdins["api -X PUT repos/acme/x/contents/README.md --input -"]
	if strings.Contains(string(stdin), `"sha"`) {
		t.Errorf("create payload must not carry a sha: %s", stdin)
	}
}

const prListKey = "pr list -R acme/x --head chore/ABC-1-workflow-setup --base main --state open --json " + prJSONFields

func TestOpenOrReusePRReusesExisting(t *testing.T) {
	r := newFakeRunner()
	r.responses[prListKey] =
		`[{"number":7,"url":"https://github.com/acme/x/pull/7","title":"t","state":"OPEN","headRefName":"chore/ABC-1-workflow-setup","baseRefName":"main"}]`

	c := New().WithRunner(r)
	pr, isNew, err := c.OpenOrReusePR(context.Background(), "acme/x", "chore/ABC-1-workflow-setup", "main", "t", "b")
	if err != nil {
		t.Fatal(err)
	}
	if isNew {
		t.Error("existing PR must report isNew=false")
	}
	if pr.Number != 7 {
		t.Errorf("number = %d, want 7", pr.Number)
	}
}

func TestOpenOrReusePRCreates(t *testing.T) {
	r := newFakeRunner()
	r.responses[prListKey] = `[]`
	r.responses["pr create -R acme/x --head chore/ABC-1-workflow-setup --base main --title t --body b"] =
		"https://github.com/acme/x/pull/12\n"
	r.responses["pr view 12 -R acme/x --json "+prJSONFields] =
		`{"number":12,"url":"https://github.com/acme/x/pull/12","title":"t","state":"OPEN","headRefName":"chore/ABC-1-workflow-setup","baseRefName":"main","headRefOid":"sha12"}`

	c := New().WithRunner(r)
	pr, isNew, err := c.OpenOrReusePR(context.Background(), "acme/x", "chore/ABC-1-workflow-setup", "main", "t", "b")
	if err != nil {
		t.Fatal(err)
	}
	if !isNew {
		t.Error("created PR must report isNew=true")
	}
	if pr.Number != 12 || pr.HeadSHA != "sha12" {
		t.Errorf("pr = %+v", pr)
	}
}

func TestFindDelegatedSubPRViaCommentLink(t *testing.T) {
	r := newFakeRunner()
	r.responses["api repos/acme/x/issues/7/comments"] =
		`[{"body":"Opened https://github.com/acme/x/pull/9 for this work"}]`
	r.responses["pr view 9 -R acme/x --json "+prJSONFields] =
		`{"number":9,"baseRefName":"chore/ABC-1-workflow-setup","state":"OPEN"}`

	c := New().WithRunner(r)
	parent := &PullRequest{Number: 7, HeadRefName: "chore/ABC-1-workflow-setup"}
	sub, err := c.FindDelegatedSubPR(context.Background(), "acme/x", parent, false)
	if err != nil {
		t.Fatal(err)
	}
	if sub == nil || sub.Number != 9 {
		t.Fatalf("sub = %+v, want #9", sub)
	}
}

func TestFindDelegatedSubPRViaBaseBranch(t *testing.T) {
	r := newFakeRunner()
	r.responses["api repos/acme/x/issues/7/comments"] = `[]`
	r.responses["pr list -R acme/x --state open --json "+prJSONFields+" --base chore/ABC-1-workflow-setup"] =
		`[{"number":10,"baseRefName":"chore/ABC-1-workflow-setup","state":"OPEN"}]`

	c := New().WithRunner(r)
	parent := &PullRequest{Number: 7, HeadRefName: "chore/ABC-1-workflow-setup"}
	sub, err := c.FindDelegatedSubPR(context.Background(), "acme/x", parent, false)
	if err != nil {
		t.Fatal(err)
	}
	if sub == nil || sub.Number != 10 {
		t.Fatalf("sub = %+v, want #10", sub)
	}
}

func TestFindDelegatedSubPRNoneIsNil(t *testing.T) {
	r := newFakeRunner()
	r.responses["api repos/acme/x/issues/7/comments"] = `[]`
	r.responses["pr list -R acme/x --state open --json "+prJSONFields+" --base chore/ABC-1-workflow-setup"] = `[]`

	c := New().WithRunner(r)
	parent := &PullRequest{Number: 7, HeadRefName: "chore/ABC-1-workflow-setup"}
	sub, err := c.FindDelegatedSubPR(context.Background(), "acme/x", parent, false)
	if err != nil {
		t.Fatal(err)
	}
	if sub != nil {
		t.Fatalf("expected nil sub-PR in steady state, got %+v", sub)
	}
}

func TestIsWIP(t *testing.T) {
	markers := []string{"WIP", "do not merge"}
	tests := []struct {
		pr   PullRequest
		want bool
	}{
		{PullRequest{Title: "WIP: add workflow"}, true},
		{PullRequest{Title: "add workflow [wip]"}, true},
		{PullRequest{Title: "wip"}, true},
		{PullRequest{Title: "add workflow", Labels: []string{"do not merge"}}, true},
		{PullRequest{Title: "add workflow"}, false},
		// "wip" inside a word is not a hold signal.
		{PullRequest{Title: "Add swipe gestures"}, false},
		{PullRequest{Title: "Fix wipeout handling"}, false},
	}
	for _, tt := range tests {
		if got := IsWIP(&tt.pr, markers); got != tt.want {
			t.Errorf("IsWIP(%q, %v) = %v, want %v", tt.pr.Title, tt.pr.Labels, got, tt.want)
		}
	}
}

func TestAdvanceSubPRHoldsOnWIP(t *testing.T) {
	r := newFakeRunner()
	c := New().WithRunner(r)
	sub := &PullRequest{Number: 9, Title: "WIP: generated changes", IsDraft: true}

	merged, err := c.AdvanceSubPR(context.Background(), "acme/x", sub, []string{"WIP"})
	if err != nil || merged {
		t.Fatalf("WIP hold should be a clean no-op, got merged=%v err=%v", merged, err)
	}
	if len(r.calls) != 0 {
		t.Errorf("WIP hold must not touch the host, saw %v", r.calls)
	}
}

func TestAdvanceSubPRConflictEscalates(t *testing.T) {
	r := newFakeRunner()
	r.responses["pr review 9 -R acme/x --approve"] = ""
	r.errors["pr merge 9 -R acme/x --squash"] = apierr.New(apierr.KindConflict, "gh pr merge", nil)

	c := New().WithRunner(r)
	sub := &PullRequest{Number: 9, Title: "generated changes", BaseRefName: "chore/ABC-1-workflow-setup"}

	_, err := c.AdvanceSubPR(context.Background(), "acme/x", sub, nil)
	if !apierr.IsConflict(err) {
		t.Fatalf("merge conflict must propagate, got %v", err)
	}
}

func TestAdvanceSubPRProtectedBaseUsesAutoMerge(t *testing.T) {
	r := newFakeRunner()
	r.responses["pr review 9 -R acme/x --approve"] = ""
	r.responses["api repos/acme/x/branches/main/protection"] = `{"required_status_checks":{}}`
	r.responses["pr merge 9 -R acme/x --auto --squash"] = ""
	r.responses["pr view 9 -R acme/x --json "+prJSONFields] = `{"number":9,"state":"OPEN"}`

	c := New().WithRunner(r)
	sub := &PullRequest{Number: 9, Title: "generated changes", BaseRefName: "main"}

	merged, err := c.AdvanceSubPR(context.Background(), "acme/x", sub, nil)
	if err != nil {
		t.Fatal(err)
	}
	if merged {
		t.Error("auto-merge queued, PR still open, merged must be false")
	}
	if !r.called("pr merge 9 -R acme/x --auto --squash") {
		t.Error("protected base should go through auto-merge")
	}
	if r.called("pr merge 9 -R acme/x --squash") {
		t.Error("successful auto-merge must not also merge directly")
	}
}

func TestAdvanceSubPRUnprotectedBaseMergesDirectly(t *testing.T) {
	r := newFakeRunner()
	r.responses["pr review 9 -R acme/x --approve"] = ""
	r.responses["pr merge 9 -R acme/x --squash"] = ""
	r.responses["pr view 9 -R acme/x --json "+prJSONFields] = `{"number":9,"state":"MERGED"}`

	c := New().WithRunner(r)
	sub := &PullRequest{Number: 9, Title: "generated changes", BaseRefName: "chore/ABC-1-workflow-setup"}

	merged, err := c.AdvanceSubPR(context.Background(), "acme/x", sub, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !merged {
		t.Error("direct merge landed, merged must be true")
	}
	if r.called("pr merge 9 -R acme/x --auto --squash") {
		t.Error("unprotected base must not attempt auto-merge")
	}
}

func TestBranchProtected(t *testing.T) {
	r := newFakeRunner()
	r.responses["api repos/acme/x/branches/main/protection"] = `{"required_status_checks":{}}`

	c := New().WithRunner(r)
	ok, err := c.BranchProtected(context.Background(), "acme/x", "main")
	if err != nil || !ok {
		t.Errorf("protected branch: ok=%v err=%v", ok, err)
	}

	// 404 on the protection endpoint means "none configured", not an error.
	ok, err = c.BranchProtected(context.Background(), "acme/x", "feat")
	if err != nil {
		t.Errorf("missing protection must not error: %v", err)
	}
	if ok {
		t.Error("missing protection must report false")
	}
}

func TestSearchOpenPRs(t *testing.T) {
	r := newFakeRunner()
	r.responses["api search/issues?per_page=100&q=is%3Apr+is%3Aopen+org%3Aacme"] = `{
		"items": [
			{"number": 7, "title": "ABC-1 workflow setup", "body": "", "repository_url": "https://api.github.com/repos/acme/x"},
			{"number": 3, "title": "unrelated", "body": "", "html_url": "https://github.com/acme/y/pull/3"}
		]
	}`

	c := New().WithRunner(r)
	results, err := c.SearchOpenPRs(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Repo != "acme/x" || results[1].Repo != "acme/y" {
		t.Errorf("repos = %s, %s", results[0].Repo, results[1].Repo)
	}
}

func TestURLHelpers(t *testing.T) {
	if n := prNumberFromURL("https://github.com/acme/x/pull/42"); n != 42 {
		t.Errorf("prNumberFromURL = %d", n)
	}
	if n := prNumberFromURL("nonsense"); n != 0 {
		t.Errorf("prNumberFromURL(nonsense) = %d, want 0", n)
	}
	if r := repoFromURL("https://github.com/acme/x/pull/42"); r != "acme/x" {
		t.Errorf("repoFromURL = %q", r)
	}
	if r := repoFromURL("https://api.github.com/repos/acme/y"); r != "acme/y" {
		t.Errorf("repoFromURL(api) = %q", r)
	}
}

func TestCleanBranch(t *testing.T) {
	r := newFakeRunner()
	r.responses["api -X DELETE repos/acme/x/git/refs/heads/chore/ABC-1-workflow-setup"] = ""

	cleaner := NewBranchCleaner(New().WithRunner(r), []string{"main"}, "chore/")

	deleted, err := cleaner.CleanBranch(context.Background(), "acme/x", "chore/ABC-1-workflow-setup")
	if err != nil || !deleted {
		t.Errorf("feature branch should be deleted: deleted=%v err=%v", deleted, err)
	}

	deleted, _ = cleaner.CleanBranch(context.Background(), "acme/x", "main")
	if deleted {
		t.Error("protected branch must never be deleted")
	}
	if r.called("api -X DELETE repos/acme/x/git/refs/heads/main") {
		t.Error("protected branch deletion reached the host")
	}

	deleted, _ = cleaner.CleanBranch(context.Background(), "acme/x", "feature/other")
	if deleted {
		t.Error("branch outside the feature prefix must not be deleted")
	}
}
