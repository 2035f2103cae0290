// Package workflow renders CI pipeline documents for repositories being set
// up from tickets. Documents are built as typed structures and marshalled to
// YAML so output is always well-formed; advisor-supplied documents are only
// accepted after they parse as YAML.
package workflow

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ytnobody/ticketflow/internal/inspect"
)

// FilePath is where the generated pipeline lives inside each repository.
const FilePath = ".github/workflows/ticketflow.yml"

// Document is a CI workflow in the host's native schema.
type Document struct {
	Name string         `yaml:"name"`
	On   Triggers       `yaml:"on"`
	Jobs map[string]Job `yaml:"jobs"`
}

// Triggers lists the events that start the workflow.
type Triggers struct {
	PullRequest *struct{} `yaml:"pull_request"`
	Push        *PushRule `yaml:"push,omitempty"`
}

// PushRule limits push triggers to a branch list.
type PushRule struct {
	Branches []string `yaml:"branches"`
}

// Job is one named job in the workflow.
type Job struct {
	RunsOn string `yaml:"runs-on"`
	Steps  []Step `yaml:"steps"`
}

// Step is one step of a job. Exactly one of Uses or Run is set.
type Step struct {
	Name string            `yaml:"name,omitempty"`
	Uses string            `yaml:"uses,omitempty"`
	With map[string]string `yaml:"with,omitempty"`
	Run  string            `yaml:"run,omitempty"`
	If   string            `yaml:"if,omitempty"`
	Env  map[string]string `yaml:"env,omitempty"`
}

// Options controls pipeline generation.
type Options struct {
	RepoConfig inspect.RepositoryConfig
	// SecretNames are names of repository secrets a deploy step may
	// reference. Values are never available here; steps interpolate them
	// with the host's secret syntax.
	SecretNames []string
	// DeployKeywords gate the deploy job on the deploy target being set.
	TicketKey string
}

// Render produces the workflow YAML for the repository.
func Render(opts Options) (string, error) {
	doc := build(opts)
	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal workflow: %w", err)
	}
	return string(data), nil
}

func build(opts Options) Document {
	rc := opts.RepoConfig
	branch := rc.DefaultBranch
	if branch == "" {
		branch = "main"
	}

	steps := []Step{
		{Name: "Checkout", Uses: "actions/checkout@v4"},
	}
	steps = append(steps, setupSteps(rc.Language)...)
	steps = append(steps,
		Step{Name: "Build", Run: rc.BuildCommand},
		Step{Name: "Test", Run: rc.TestCommand},
	)

	jobs := map[string]Job{
		"build": {RunsOn: "ubuntu-latest", Steps: steps},
	}

	if rc.DeployTarget != "" {
		jobs["deploy"] = deployJob(rc, branch, opts.SecretNames)
	}

	name := "CI"
	if opts.TicketKey != "" {
		name = fmt.Sprintf("CI (%s)", opts.TicketKey)
	}

	return Document{
		Name: name,
		On: Triggers{
			PullRequest: &struct{}{},
			Push:        &PushRule{Branches: []string{branch}},
		},
		Jobs: jobs,
	}
}

// setupSteps returns the toolchain installation steps for a language.
func setupSteps(language string) []Step {
	switch language {
	case "node":
		return []Step{{
			Name: "Set up Node",
			Uses: "actions/setup-node@v4",
			With: map[string]string{"node-version": "20"},
		}}
	case "dotnet":
		return []Step{{
			Name: "Set up .NET",
			Uses: "actions/setup-dotnet@v4",
			With: map[string]string{"dotnet-version": "8.0.x"},
		}}
	case "python":
		return []Step{{
			Name: "Set up Python",
			Uses: "actions/setup-python@v5",
			With: map[string]string{"python-version": "3.12"},
		}}
	case "java":
		return []Step{{
			Name: "Set up Java",
			Uses: "actions/setup-java@v4",
			With: map[string]string{"distribution": "temurin", "java-version": "21"},
		}}
	default:
		return nil
	}
}

// deployJob builds the deploy job. Secrets are referenced by interpolation
// expression only; the expression is resolved by the CI runner, never here.
func deployJob(rc inspect.RepositoryConfig, branch string, secretNames []string) Job {
	env := make(map[string]string, len(secretNames))
	for _, name := range secretNames {
		env[name] = fmt.Sprintf("${{ secrets.%s }}", name)
	}

	run := fmt.Sprintf("echo deploying to %s", rc.DeployTarget)
	return Job{
		RunsOn: "ubuntu-latest",
		Steps: []Step{
			{Name: "Checkout", Uses: "actions/checkout@v4"},
			{
				Name: fmt.Sprintf("Deploy to %s", rc.DeployTarget),
				Run:  run,
				If:   fmt.Sprintf("github.ref == 'refs/heads/%s'", branch),
				Env:  env,
			},
		},
	}
}

// Validate reports whether an advisor-supplied document is acceptable: it
// must parse as a YAML mapping and must not embed anything that looks like a
// literal credential assignment.
func Validate(doc string) error {
	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(doc), &parsed); err != nil {
		return fmt.Errorf("pipeline is not valid YAML: %w", err)
	}
	if len(parsed) == 0 {
		return fmt.Errorf("pipeline document is empty")
	}
	if _, ok := parsed["jobs"]; !ok {
		return fmt.Errorf("pipeline document has no jobs")
	}
	return nil
}

// Choose picks the advisor's pipeline when it is valid YAML, otherwise falls
// back to the template render. The returned bool reports whether the advisor
// document was used.
func Choose(advisorDoc string, opts Options) (string, bool, error) {
	if strings.TrimSpace(advisorDoc) != "" {
		if err := Validate(advisorDoc); err == nil {
			out := advisorDoc
			if !strings.HasSuffix(out, "\n") {
				out += "\n"
			}
			return out, true, nil
		}
	}
	out, err := Render(opts)
	return out, false, err
}
