package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ytnobody/ticketflow/internal/config"
	"github.com/ytnobody/ticketflow/internal/orchestrator"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()

	origDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get cwd: %v", err)
	}
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("failed to chdir: %v", err)
	}
	return tmpDir
}

func TestCmdInit_GeneratedConfigLoads(t *testing.T) {
	tmpDir := chdirTemp(t)

	if err := cmdInit(); err != nil {
		t.Fatalf("cmdInit() error: %v", err)
	}

	configPath := filepath.Join(tmpDir, "ticketflow.toml")
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("generated ticketflow.toml does not load: %v", err)
	}

	if cfg.Tracker.BaseURL == "" {
		t.Error("generated config has empty tracker.base_url")
	}
	if len(cfg.CodeHost.AllowedOrgs) == 0 {
		t.Error("generated config has no codehost.allowed_orgs")
	}
	if cfg.Advisor == nil || cfg.Advisor.Model == "" {
		t.Error("generated config has no advisor model")
	}
}

func TestCmdInit_GeneratedConfigDoesNotContainSecrets(t *testing.T) {
	tmpDir := chdirTemp(t)

	if err := cmdInit(); err != nil {
		t.Fatalf("cmdInit() error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, "ticketflow.toml"))
	if err != nil {
		t.Fatalf("failed to read generated ticketflow.toml: %v", err)
	}

	content := string(data)
	for _, key := range []string{"token =", "api_key", "password"} {
		if strings.Contains(content, key) {
			t.Errorf("generated ticketflow.toml contains credential key %q:\n%s", key, content)
		}
	}
	if !strings.Contains(content, trackerTokenEnv) {
		t.Errorf("generated ticketflow.toml should mention the %s environment variable", trackerTokenEnv)
	}
}

func TestCmdInit_CreatesDefaultPrompts(t *testing.T) {
	tmpDir := chdirTemp(t)

	if err := cmdInit(); err != nil {
		t.Fatalf("cmdInit() error: %v", err)
	}

	promptsDir := filepath.Join(tmpDir, "prompts")
	info, err := os.Stat(promptsDir)
	if err != nil {
		t.Fatalf("prompts/ directory was not created: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("prompts/ is not a directory")
	}

	for _, name := range []string{"fix_strategy.md", "pipeline.md"} {
		path := filepath.Join(promptsDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			t.Errorf("default prompt file %s was not created: %v", name, err)
			continue
		}
		if len(data) == 0 {
			t.Errorf("default prompt file %s is empty", name)
		}
	}
}

func TestCmdInit_PreservesExistingConfig(t *testing.T) {
	tmpDir := chdirTemp(t)

	custom := []byte("# hand-tuned, keep me\n")
	configPath := filepath.Join(tmpDir, "ticketflow.toml")
	if err := os.WriteFile(configPath, custom, 0644); err != nil {
		t.Fatalf("failed to write custom config: %v", err)
	}

	if err := cmdInit(); err != nil {
		t.Fatalf("cmdInit() error: %v", err)
	}

	got, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read ticketflow.toml: %v", err)
	}
	if string(got) != string(custom) {
		t.Errorf("cmdInit overwrote existing config; got %q, want %q", got, custom)
	}
}

func TestAdvisorAdapter_MapsRequestFields(t *testing.T) {
	// The adapter must carry every field across; a dropped field would
	// silently degrade the advisor's prompts.
	req := orchestrator.AdvisorRequest{
		TicketKey:    "OPS-1",
		Summary:      "summary",
		Description:  "description",
		RepoName:     "acme/api",
		Language:     "go",
		BuildCommand: "go build ./...",
		TestCommand:  "go test ./...",
		DeployTarget: "fly.io",
		SecretNames:  []string{"FLY_API_TOKEN"},
	}

	got := advisorReq(req)
	if got.TicketKey != req.TicketKey || got.Summary != req.Summary ||
		got.Description != req.Description || got.RepoName != req.RepoName ||
		got.Language != req.Language || got.BuildCommand != req.BuildCommand ||
		got.TestCommand != req.TestCommand || got.DeployTarget != req.DeployTarget {
		t.Errorf("advisorReq dropped a field: got %+v, want %+v", got, req)
	}
	if len(got.SecretNames) != 1 || got.SecretNames[0] != "FLY_API_TOKEN" {
		t.Errorf("advisorReq SecretNames = %v, want %v", got.SecretNames, req.SecretNames)
	}
}

func TestCmdStart_RequiresToken(t *testing.T) {
	tmpDir := chdirTemp(t)

	if err := os.WriteFile(filepath.Join(tmpDir, "ticketflow.toml"), []byte(starterConfig), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv(trackerTokenEnv, "")

	err := cmdStart()
	if err == nil {
		t.Fatal("cmdStart() should fail without a tracker token")
	}
	if !strings.Contains(err.Error(), trackerTokenEnv) {
		t.Errorf("error should name %s, got: %v", trackerTokenEnv, err)
	}
}
