// Package inspect derives a build/deploy configuration for a repository by
// consulting, in strict precedence order: explicit ticket fields, an in-repo
// instructions document, static manifest analysis, then language defaults.
// Resolution never fails; any probe that errors is treated as "no signal" and
// the next tier answers.
package inspect

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/ytnobody/ticketflow/internal/cache"
	"github.com/ytnobody/ticketflow/internal/githost"
	"github.com/ytnobody/ticketflow/internal/tracker"
)

// instructionsFiles are probed in order for the in-repo instructions
// document (key: value lines, e.g. "build: npm run build").
var instructionsFiles = []string{".ticketflow.md", "AGENTS.md"}

// RepositoryConfig is the fully-populated result of resolution. Every field
// is non-empty (DeployTarget excepted) before any artifact is generated from
// it.
type RepositoryConfig struct {
	Language      string `json:"language"`
	BuildCommand  string `json:"build_command"`
	TestCommand   string `json:"test_command"`
	DeployTarget  string `json:"deploy_target,omitempty"`
	DefaultBranch string `json:"default_branch"`
}

// Host is the read-only slice of the code-host gateway the inspector needs.
type Host interface {
	GetRepo(ctx context.Context, repo string) (*githost.Repository, error)
	ListRootEntries(ctx context.Context, repo string) ([]string, error)
	GetFile(ctx context.Context, repo, branch, path string) (string, error)
}

// Inspector resolves and caches repository configurations. Cached entries
// are reused across tickets within one process lifetime, never across
// restarts (the cache is memory-only).
type Inspector struct {
	host  Host
	cache *cache.TTL
}

// New creates an Inspector over the given host.
func New(host Host) *Inspector {
	return &Inspector{host: host, cache: cache.New(0)}
}

// ResolveConfig derives the configuration for repo, honoring any explicit
// ticket fields. Pure read/derive; no side effects beyond the cache.
func (i *Inspector) ResolveConfig(ctx context.Context, repo string, fields tracker.FieldView) RepositoryConfig {
	base := i.repoBaseline(ctx, repo)

	// Explicit ticket fields are the highest tier and are never cached:
	// they belong to the ticket, not the repository.
	cfg := base
	if v := fields.Language(); v != "" {
		cfg.Language = normalizeLanguage(v)
		// A ticket that overrides the language invalidates command
		// inference done for the detected language, unless the ticket
		// also names the commands.
		defaults := languageDefaults(cfg.Language)
		cfg.BuildCommand = defaults.build
		cfg.TestCommand = defaults.test
	}
	if v := fields.BuildCommand(); v != "" {
		cfg.BuildCommand = v
	}
	if v := fields.TestCommand(); v != "" {
		cfg.TestCommand = v
	}
	if v := fields.DeployTarget(); v != "" {
		cfg.DeployTarget = v
	}
	return cfg
}

// repoBaseline resolves the ticket-independent tiers (instructions document,
// manifest analysis, defaults) and caches the result per repository.
func (i *Inspector) repoBaseline(ctx context.Context, repo string) RepositoryConfig {
	if cached, ok := i.cache.Get(repo); ok {
		return cached.(RepositoryConfig)
	}

	cfg := RepositoryConfig{DefaultBranch: "main"}
	if r, err := i.host.GetRepo(ctx, repo); err == nil && r.DefaultBranch != "" {
		cfg.DefaultBranch = r.DefaultBranch
	}

	entries, err := i.host.ListRootEntries(ctx, repo)
	if err != nil {
		log.Printf("[inspect] %s: list root failed (%v), using defaults", repo, err)
		entries = nil
	}

	cfg.Language = detectLanguage(entries)
	defaults := languageDefaults(cfg.Language)
	cfg.BuildCommand = defaults.build
	cfg.TestCommand = defaults.test

	// Manifest analysis refines the defaults (e.g. a checked-in wrapper
	// script beats the globally-installed tool).
	i.refineFromManifests(ctx, repo, entries, &cfg)

	// The instructions document, when present, overrides manifest-derived
	// values.
	i.applyInstructions(ctx, repo, cfg.DefaultBranch, &cfg)

	i.cache.Put(repo, cfg)
	return cfg
}

// detectLanguage inspects root-directory entries for marker files. First
// match in precedence order wins; no marker at all defaults to node.
func detectLanguage(entries []string) string {
	has := func(name string) bool {
		for _, e := range entries {
			if e == name {
				return true
			}
		}
		return false
	}
	hasSuffix := func(suffix string) bool {
		for _, e := range entries {
			if strings.HasSuffix(e, suffix) {
				return true
			}
		}
		return false
	}

	switch {
	case has("package.json"):
		return "node"
	case hasSuffix(".csproj") || hasSuffix(".sln"):
		return "dotnet"
	case has("requirements.txt") || has("setup.py") || has("Pipfile"):
		return "python"
	case has("pom.xml") || hasSuffix("build.gradle") || hasSuffix("build.gradle.kts"):
		return "java"
	default:
		return "node"
	}
}

type commandPair struct {
	build string
	test  string
}

func languageDefaults(language string) commandPair {
	switch language {
	case "python":
		return commandPair{build: "pip install -r requirements.txt", test: "pytest"}
	case "dotnet":
		return commandPair{build: "dotnet build", test: "dotnet test"}
	case "java":
		return commandPair{build: "mvn -B package", test: "mvn -B test"}
	default: // node
		return commandPair{build: "npm run build", test: "npm test"}
	}
}

// refineFromManifests adjusts commands based on what is actually checked in.
func (i *Inspector) refineFromManifests(ctx context.Context, repo string, entries []string, cfg *RepositoryConfig) {
	has := func(name string) bool {
		for _, e := range entries {
			if e == name {
				return true
			}
		}
		return false
	}

	switch cfg.Language {
	case "java":
		// Prefer the checked-in wrapper executable over a global tool.
		gradle := has("build.gradle") || has("build.gradle.kts")
		switch {
		case gradle && has("gradlew"):
			cfg.BuildCommand = "./gradlew build"
			cfg.TestCommand = "./gradlew test"
		case gradle:
			cfg.BuildCommand = "gradle build"
			cfg.TestCommand = "gradle test"
		case has("mvnw"):
			cfg.BuildCommand = "./mvnw -B package"
			cfg.TestCommand = "./mvnw -B test"
		}
	case "python":
		if has("Pipfile") {
			cfg.BuildCommand = "pipenv install"
			cfg.TestCommand = "pipenv run pytest"
		}
	case "node":
		raw, err := i.host.GetFile(ctx, repo, cfg.DefaultBranch, "package.json")
		if err != nil {
			return // no signal
		}
		var manifest struct {
			Scripts map[string]string `json:"scripts"`
		}
		if json.Unmarshal([]byte(raw), &manifest) != nil {
			return
		}
		if _, ok := manifest.Scripts["build"]; !ok {
			// No build script: install is the closest thing to a build.
			cfg.BuildCommand = "npm ci"
		}
	}
}

// applyInstructions parses the in-repo instructions document, when present.
// Recognized keys: language, build, test, deploy (case-insensitive,
// "key: value" lines).
func (i *Inspector) applyInstructions(ctx context.Context, repo, branch string, cfg *RepositoryConfig) {
	for _, name := range instructionsFiles {
		raw, err := i.host.GetFile(ctx, repo, branch, name)
		if err != nil {
			continue // 404 or transient: no signal either way
		}
		for key, value := range parseInstructions(raw) {
			switch key {
			case "language":
				cfg.Language = normalizeLanguage(value)
			case "build":
				cfg.BuildCommand = value
			case "test":
				cfg.TestCommand = value
			case "deploy":
				cfg.DeployTarget = value
			}
		}
		return
	}
}

func parseInstructions(doc string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(doc, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		switch key {
		case "language", "build", "test", "deploy":
			out[key] = value
		}
	}
	return out
}

func normalizeLanguage(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "node", "nodejs", "javascript", "typescript":
		return "node"
	case "python", "py":
		return "python"
	case "dotnet", "csharp", "c#", ".net":
		return "dotnet"
	case "java", "kotlin":
		return "java"
	default:
		return strings.ToLower(strings.TrimSpace(v))
	}
}
