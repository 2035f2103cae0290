package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Tracker  TrackerConfig  `toml:"tracker"`
	CodeHost CodeHostConfig `toml:"codehost"`
	Advisor  *AdvisorConfig `toml:"advisor,omitempty"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Status   StatusConfig   `toml:"status"`
	// Paused makes the ingestion loop skip ticket processing while still
	// advancing its timer (idle heartbeat). The monitoring loop is not
	// affected: abandoning in-flight CI/PR tracking on pause would risk
	// orphaning work. Toggled at runtime via the status surface or a config
	// reload.
	Paused bool `toml:"paused,omitempty"`
}

type TrackerConfig struct {
	// BaseURL is the root URL of the tracker instance,
	// e.g. "https://example.atlassian.net".
	BaseURL string `toml:"base_url"`
	// Email is the account used for API basic auth. The API token is read
	// from the TICKETFLOW_TRACKER_TOKEN environment variable, never from
	// this file.
	Email string `toml:"email"`
	// Projects restricts polling to the listed project keys. When empty,
	// projects are discovered dynamically and cached for
	// project_cache_minutes.
	Projects            []string `toml:"projects,omitempty"`
	ProjectCacheMinutes int      `toml:"project_cache_minutes"`
	PollIntervalMinutes int      `toml:"poll_interval_minutes"`
	// IdlePollMinutes is the stretched interval used after several
	// consecutive polls found no actionable tickets. Must be larger than
	// poll_interval_minutes to have any effect.
	IdlePollMinutes      int `toml:"idle_poll_minutes"`
	IdleThresholdMinutes int `toml:"idle_threshold_minutes"`

	// Status names in the tracker's workflow. QueueStatus is where
	// actionable tickets wait and where failed tickets are returned for
	// re-pickup. PostPRStatus is where a ticket goes once its PR exists;
	// "Done" is reserved for an observed CI/merge success.
	QueueStatus          string `toml:"queue_status"`
	InProgressStatus     string `toml:"in_progress_status"`
	PostPRStatus         string `toml:"post_pr_status"`
	NeedsAttentionStatus string `toml:"needs_attention_status"`
	BlockedStatus        string `toml:"blocked_status"`
	DoneStatus           string `toml:"done_status"`

	// MaxAttempts is how many times a ticket may be returned to the queue
	// after a hard failure before it is escalated to blocked_status.
	MaxAttempts int `toml:"max_attempts"`
}

type CodeHostConfig struct {
	// AllowedOrgs is the organization allow-list. A ticket targeting a
	// repository outside these orgs is failed without any code-host write.
	AllowedOrgs []string `toml:"allowed_orgs"`
	// DefaultOrg is prepended to bare repository names from ticket fields
	// (e.g. "sample-node" -> "acme/sample-node").
	DefaultOrg string `toml:"default_org"`
	// WIPMarkers are title substrings that mark a delegated sub-PR as
	// work-in-progress. A matching sub-PR is never undrafted, approved, or
	// merged.
	WIPMarkers []string `toml:"wip_markers,omitempty"`
	// AllowHeuristicSubPRMatch enables the author/title fallback when
	// locating a delegated sub-PR. Off by default: the heuristic can
	// misidentify an unrelated PR.
	AllowHeuristicSubPRMatch bool `toml:"allow_heuristic_subpr_match"`
	// CleanupMergedBranches deletes the feature branch once its WorkItem
	// retires merged.
	CleanupMergedBranches bool `toml:"cleanup_merged_branches"`
}

type AdvisorConfig struct {
	// Model selects the backend: "gemini-*" uses the Gemini API
	// (GEMINI_API_KEY), "claude-*" the Anthropic API (ANTHROPIC_API_KEY).
	Model string `toml:"model"`
	// GeminiRPM is the requests-per-minute limit shared by all Gemini
	// calls through a single sliding-window throttle. Defaults to 10.
	GeminiRPM int `toml:"gemini_rpm"`
	// SuggestCommand is the external code-completion CLI invoked for
	// delegated code suggestions, e.g. "claude". Empty disables the
	// suggester.
	SuggestCommand        string `toml:"suggest_command,omitempty"`
	SuggestTimeoutMinutes int    `toml:"suggest_timeout_minutes"`
}

type MonitorConfig struct {
	// IntervalSeconds is the PR/CI monitoring cadence. Independent of, and
	// typically much shorter than, the ticket poll interval.
	IntervalSeconds int `toml:"interval_seconds"`
	// DeployKeywords mark a failing CI job as deploy-related, which adds
	// deploy-target-specific hints to the failure comment.
	DeployKeywords []string `toml:"deploy_keywords,omitempty"`
}

type StatusConfig struct {
	// ListenAddr is the bind address of the HTTP status surface.
	// Empty disables it.
	ListenAddr string `toml:"listen_addr,omitempty"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(cfg *Config) {
	t := &cfg.Tracker
	if t.ProjectCacheMinutes == 0 {
		t.ProjectCacheMinutes = 60
	}
	if t.PollIntervalMinutes == 0 {
		t.PollIntervalMinutes = 5
	}
	if t.IdlePollMinutes == 0 {
		t.IdlePollMinutes = 15
	}
	if t.IdleThresholdMinutes == 0 {
		t.IdleThresholdMinutes = 10
	}
	if t.QueueStatus == "" {
		t.QueueStatus = "To Do"
	}
	if t.InProgressStatus == "" {
		t.InProgressStatus = "In Progress"
	}
	if t.PostPRStatus == "" {
		t.PostPRStatus = "In Review"
	}
	if t.NeedsAttentionStatus == "" {
		t.NeedsAttentionStatus = "Needs Attention"
	}
	if t.BlockedStatus == "" {
		t.BlockedStatus = "Blocked"
	}
	if t.DoneStatus == "" {
		t.DoneStatus = "Done"
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 3
	}

	if len(cfg.CodeHost.WIPMarkers) == 0 {
		cfg.CodeHost.WIPMarkers = []string{"WIP", "[wip]", "Draft:", "do not merge"}
	}

	if cfg.Monitor.IntervalSeconds == 0 {
		cfg.Monitor.IntervalSeconds = 60
	}
	if len(cfg.Monitor.DeployKeywords) == 0 {
		cfg.Monitor.DeployKeywords = []string{"deploy", "release", "publish"}
	}

	if cfg.Advisor != nil {
		if cfg.Advisor.Model == "" {
			cfg.Advisor.Model = "gemini-2.5-flash"
		}
		if cfg.Advisor.GeminiRPM == 0 {
			cfg.Advisor.GeminiRPM = 10
		}
		if cfg.Advisor.SuggestTimeoutMinutes == 0 {
			cfg.Advisor.SuggestTimeoutMinutes = 5
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Tracker.BaseURL == "" {
		return fmt.Errorf("tracker.base_url is required")
	}
	if !strings.HasPrefix(cfg.Tracker.BaseURL, "https://") && !strings.HasPrefix(cfg.Tracker.BaseURL, "http://") {
		return fmt.Errorf("tracker.base_url must be an http(s) URL")
	}
	if cfg.Tracker.Email == "" {
		return fmt.Errorf("tracker.email is required")
	}
	if len(cfg.CodeHost.AllowedOrgs) == 0 {
		return fmt.Errorf("at least one codehost.allowed_orgs entry is required")
	}
	if cfg.Tracker.IdlePollMinutes < cfg.Tracker.PollIntervalMinutes {
		return fmt.Errorf("tracker.idle_poll_minutes (%d) must be >= poll_interval_minutes (%d)",
			cfg.Tracker.IdlePollMinutes, cfg.Tracker.PollIntervalMinutes)
	}
	return nil
}
