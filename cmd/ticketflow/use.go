package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// modelPresets maps a preset name to the advisor model it selects.
// "none" disables the advisor entirely.
var modelPresets = map[string]string{
	"gemini":      "gemini-2.5-flash",
	"gemini-pro":  "gemini-2.5-pro",
	"claude":      "claude-sonnet-4-5",
	"claude-fast": "claude-haiku-4-5",
	"none":        "none",
}

var advisorModelLine = regexp.MustCompile(`(?m)^(\s*model\s*=\s*)"[^"]*"`)

// cmdUse rewrites the advisor model in ticketflow.toml according to a
// named preset. Only the model line is touched, so comments and the rest
// of the file are preserved.
func cmdUse(preset string) error {
	model, ok := modelPresets[preset]
	if !ok {
		names := make([]string, 0, len(modelPresets))
		for name := range modelPresets {
			names = append(names, name)
		}
		sort.Strings(names)
		return fmt.Errorf("unknown preset %q (available: %s)", preset, strings.Join(names, ", "))
	}

	configPath, err := findConfigPath()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	content := string(data)
	if !strings.Contains(content, "[advisor]") {
		content = strings.TrimRight(content, "\n") + "\n\n[advisor]\nmodel = \"" + model + "\"\n"
	} else if advisorModelLine.MatchString(content) {
		content = advisorModelLine.ReplaceAllString(content, `${1}"`+model+`"`)
	} else {
		content = strings.Replace(content, "[advisor]", "[advisor]\nmodel = \""+model+"\"", 1)
	}

	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Advisor model set to %q in %s\n", model, configPath)
	return nil
}

// findConfigPath locates the ticketflow.toml configuration file, looking in
// the current directory first and then in the user's config directory.
func findConfigPath() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	cp := filepath.Join(cwd, "ticketflow.toml")
	if _, err := os.Stat(cp); err == nil {
		return cp, nil
	}

	if confDir, err := os.UserConfigDir(); err == nil {
		cp := filepath.Join(confDir, "ticketflow", "ticketflow.toml")
		if _, err := os.Stat(cp); err == nil {
			return cp, nil
		}
	}

	return "", fmt.Errorf("ticketflow.toml not found (run `ticketflow init` first)")
}
