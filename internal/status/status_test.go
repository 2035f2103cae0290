package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ytnobody/ticketflow/internal/registry"
)

type fakeController struct {
	paused bool
	polls  int
	reg    *registry.Registry
}

func (f *fakeController) Paused() bool          { return f.paused }
func (f *fakeController) SetPaused(p bool)      { f.paused = p }
func (f *fakeController) ForcePoll()            { f.polls++ }
func (f *fakeController) Registry() *registry.Registry {
	return f.reg
}

type fakeProjects struct {
	projects []string
	err      error
}

func (f *fakeProjects) Projects(context.Context) ([]string, error) {
	return f.projects, f.err
}

func newTestServer(ctl *fakeController, projects ProjectLister) *httptest.Server {
	if ctl.reg == nil {
		ctl.reg = registry.New(4)
	}
	s := New(":0", ctl, projects, "test")
	return httptest.NewServer(s.Handler())
}

func TestStatusSnapshot(t *testing.T) {
	ctl := &fakeController{reg: registry.New(4)}
	ctl.reg.Add(&registry.WorkItem{TicketKey: "PROJ-1", State: registry.StateMonitoring})
	srv := newTestServer(ctl, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Version != "test" || len(body.Active) != 1 || body.Active[0].TicketKey != "PROJ-1" {
		t.Errorf("unexpected snapshot: %+v", body)
	}
}

func TestPauseAndResume(t *testing.T) {
	ctl := &fakeController{}
	srv := newTestServer(ctl, nil)
	defer srv.Close()

	if resp, err := http.Post(srv.URL+"/pause", "", nil); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("pause: %v %v", resp.Status, err)
	}
	if !ctl.paused {
		t.Error("pause did not take effect")
	}

	if resp, err := http.Post(srv.URL+"/resume", "", nil); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("resume: %v %v", resp.Status, err)
	}
	if ctl.paused {
		t.Error("resume did not take effect")
	}
	if ctl.polls != 1 {
		t.Errorf("resume should trigger a poll, got %d", ctl.polls)
	}
}

func TestForcePoll(t *testing.T) {
	ctl := &fakeController{}
	srv := newTestServer(ctl, nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/poll", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if ctl.polls != 1 {
		t.Errorf("polls = %d", ctl.polls)
	}
}

func TestPollRejectsGet(t *testing.T) {
	ctl := &fakeController{}
	srv := newTestServer(ctl, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/poll")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		t.Errorf("GET /poll should be rejected, got %d", resp.StatusCode)
	}
}

func TestProjects(t *testing.T) {
	ctl := &fakeController{}
	srv := newTestServer(ctl, &fakeProjects{projects: []string{"PROJ", "OPS"}})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/projects")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string][]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body["projects"]) != 2 {
		t.Errorf("projects = %v", body)
	}
}

func TestProjectsErrorIsBadGateway(t *testing.T) {
	ctl := &fakeController{}
	srv := newTestServer(ctl, &fakeProjects{err: errors.New("tracker down")})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/projects")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestDisabledServerRunReturnsNil(t *testing.T) {
	s := New("", &fakeController{reg: registry.New(1)}, nil, "test")
	if err := s.Run(context.Background()); err != nil {
		t.Errorf("disabled server should return nil, got %v", err)
	}
}
