package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ytnobody/ticketflow/internal/advisor"
	"github.com/ytnobody/ticketflow/internal/config"
	"github.com/ytnobody/ticketflow/internal/githost"
	"github.com/ytnobody/ticketflow/internal/inspect"
	"github.com/ytnobody/ticketflow/internal/monitor"
	"github.com/ytnobody/ticketflow/internal/orchestrator"
	"github.com/ytnobody/ticketflow/internal/registry"
	"github.com/ytnobody/ticketflow/internal/status"
	"github.com/ytnobody/ticketflow/internal/tracker"
	"github.com/ytnobody/ticketflow/prompts"
)

// version is set via ldflags at build time (e.g., -ldflags "-X main.version=v1.2.3").
var version = "dev"

const trackerTokenEnv = "TICKETFLOW_TRACKER_TOKEN"

const usage = `Usage: ticketflow <command> [options]

Commands:
  init                      Write a starter ticketflow.toml and default prompts
  start                     Start the orchestrator
  use <preset>              Switch the advisor model preset in ticketflow.toml
                            Presets: gemini, gemini-pro, claude, claude-fast, none
  version                   Show current version
  upgrade                   Upgrade ticketflow to the latest version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = cmdInit()
	case "start":
		err = cmdStart()
	case "version", "--version", "-v":
		fmt.Printf("ticketflow %s\n", version)
		return
	case "use":
		preset := ""
		if len(os.Args) >= 3 {
			preset = os.Args[2]
		}
		err = cmdUse(preset)
	case "upgrade":
		err = cmdUpgrade(version)
	case "help", "--help", "-h":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// starterConfig is the template written by `ticketflow init`.
const starterConfig = `[tracker]
base_url = "https://example.atlassian.net"
email = "bot@example.com"
# The API token is read from the ` + trackerTokenEnv + ` environment variable.
# projects = ["PROJ"]
poll_interval_minutes = 5
idle_poll_minutes = 15

[codehost]
allowed_orgs = ["example"]
default_org = "example"
cleanup_merged_branches = true

[advisor]
model = "gemini-2.5-flash"
gemini_rpm = 10

[monitor]
interval_seconds = 60

[status]
listen_addr = "127.0.0.1:8420"
`

func cmdInit() error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	configPath := filepath.Join(cwd, "ticketflow.toml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := os.WriteFile(configPath, []byte(starterConfig), 0644); err != nil {
			return fmt.Errorf("create config: %w", err)
		}
	}

	promptsDir := filepath.Join(cwd, "prompts")
	if err := prompts.WriteDefaults(promptsDir); err != nil {
		return fmt.Errorf("create default prompts: %w", err)
	}

	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("Prompts: %s\n", promptsDir)
	fmt.Printf("Set %s before running `ticketflow start`.\n", trackerTokenEnv)
	return nil
}

func cmdStart() error {
	configPath, err := findConfigPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	token := os.Getenv(trackerTokenEnv)
	if token == "" {
		return fmt.Errorf("%s is not set", trackerTokenEnv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	trk := tracker.New(
		cfg.Tracker.BaseURL,
		cfg.Tracker.Email,
		token,
		cfg.Tracker.Projects,
		time.Duration(cfg.Tracker.ProjectCacheMinutes)*time.Minute,
	)
	host := githost.New()
	reg := registry.New(64)

	deps := orchestrator.Deps{
		Tracker:   trk,
		Host:      host,
		Inspector: inspect.New(host),
	}

	if cfg.Advisor != nil && cfg.Advisor.Model != "" && cfg.Advisor.Model != "none" {
		a, err := advisor.New(ctx, cfg.Advisor.Model, cfg.Advisor.GeminiRPM)
		if err != nil {
			return fmt.Errorf("advisor: %w", err)
		}
		deps.Advisor = advisorAdapter{a}

		if s := advisor.NewCodeSuggester(
			cfg.Advisor.SuggestCommand,
			time.Duration(cfg.Advisor.SuggestTimeoutMinutes)*time.Minute,
		); s != nil {
			deps.Suggester = s
		}
	}

	orc := orchestrator.New(cfg, deps, reg).WithConfigPath(configPath)

	cleaner := githost.NewBranchCleaner(host, []string{"main", "master", "develop"}, "chore/")
	mon := monitor.New(orc.Config, trk, host, cleaner, reg)
	statusSrv := status.New(cfg.Status.ListenAddr, orc, trk, version)

	fmt.Printf("Starting ticketflow %s...\n", version)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orc.Run(ctx) })
	g.Go(func() error { return mon.Run(ctx) })
	g.Go(func() error { return statusSrv.Run(ctx) })

	err = g.Wait()
	// context.Canceled is the expected outcome when the user stops the
	// process (Ctrl+C / SIGTERM). Treat it as a clean exit.
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// advisorAdapter maps the orchestrator's request type onto the advisor's.
type advisorAdapter struct{ a *advisor.Advisor }

func (ad advisorAdapter) FixStrategy(ctx context.Context, req orchestrator.AdvisorRequest) (string, error) {
	return ad.a.FixStrategy(ctx, advisorReq(req))
}

func (ad advisorAdapter) Pipeline(ctx context.Context, req orchestrator.AdvisorRequest) (string, error) {
	return ad.a.Pipeline(ctx, advisorReq(req))
}

func advisorReq(req orchestrator.AdvisorRequest) advisor.Request {
	return advisor.Request{
		TicketKey:    req.TicketKey,
		Summary:      req.Summary,
		Description:  req.Description,
		RepoName:     req.RepoName,
		Language:     req.Language,
		BuildCommand: req.BuildCommand,
		TestCommand:  req.TestCommand,
		DeployTarget: req.DeployTarget,
		SecretNames:  req.SecretNames,
	}
}
