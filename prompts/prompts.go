// Package prompts provides embedded default advisor prompt templates. The
// embedded files can be written out to a project's prompts/ directory so
// that users can inspect and customise them; customised copies on disk take
// precedence over the embedded defaults.
package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed fix_strategy.md
var fixStrategyMD []byte

//go:embed pipeline.md
var pipelineMD []byte

// Name identifies an embedded prompt template.
type Name string

const (
	FixStrategy Name = "fix_strategy.md"
	Pipeline    Name = "pipeline.md"
)

// defaultFiles maps filename -> content for all embedded prompt templates.
var defaultFiles = map[Name][]byte{
	FixStrategy: fixStrategyMD,
	Pipeline:    pipelineMD,
}

// Vars holds the substitution values available to every template.
type Vars struct {
	TicketKey    string
	Summary      string
	Description  string
	RepoName     string
	Language     string
	BuildCommand string
	TestCommand  string
	DeployTarget string
	SecretNames  string
}

// Render expands the named template with the given variables.
func Render(name Name, vars Vars) (string, error) {
	data, err := ReadDefault(name)
	if err != nil {
		return "", err
	}
	tmpl, err := template.New(string(name)).Parse(string(data))
	if err != nil {
		return "", fmt.Errorf("parse prompt %s: %w", name, err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return sb.String(), nil
}

// ReadDefault returns the embedded content of the named prompt file.
// It returns an error if the name is unknown.
func ReadDefault(name Name) ([]byte, error) {
	data, ok := defaultFiles[name]
	if !ok {
		return nil, fmt.Errorf("no embedded default prompt for %q", name)
	}
	return data, nil
}

// WriteDefaults writes all embedded prompt files into dir, creating the
// directory if necessary. Files that already exist are left untouched so
// that user customisations are preserved.
func WriteDefaults(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create prompts dir: %w", err)
	}

	for name, data := range defaultFiles {
		dst := filepath.Join(dir, string(name))
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return fmt.Errorf("write default prompt %s: %w", name, err)
		}
	}
	return nil
}
