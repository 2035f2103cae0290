package tracker

import "strings"

// Ticket is a read-only snapshot of a tracker issue, fetched fresh each poll
// cycle. All state changes go back through the tracker via transitions and
// comments; the snapshot itself is never mutated.
type Ticket struct {
	Key            string
	Summary        string
	Description    string
	Priority       string
	Status         string
	StatusCategory string // "new", "indeterminate", "done"
	Fields         FieldView
}

// Terminal reports whether the ticket's tracker status is in the done
// category. Terminal tickets are never re-adopted at startup even if their
// PR is still open.
func (t *Ticket) Terminal() bool {
	return strings.EqualFold(t.StatusCategory, "done")
}

// priorityRank orders priority names for the scheduler. Unknown names rank
// lowest so misconfigured tickets never jump the queue.
var priorityRank = map[string]int{
	"highest":  5,
	"critical": 5,
	"high":     4,
	"medium":   3,
	"low":      2,
	"lowest":   1,
}

// PriorityRank returns the ordinal for a priority name, 0 for unknown.
func PriorityRank(name string) int {
	return priorityRank[strings.ToLower(name)]
}

// FieldView is a typed view over a ticket's custom fields, looked up by the
// field's display name (case-insensitive). It replaces ad-hoc duck-typed
// field reads with one documented resolution surface.
type FieldView struct {
	fields map[string]any
}

// NewFieldView builds a view from display-name -> value pairs.
func NewFieldView(fields map[string]any) FieldView {
	normalized := make(map[string]any, len(fields))
	for name, value := range fields {
		normalized[strings.ToLower(strings.TrimSpace(name))] = value
	}
	return FieldView{fields: normalized}
}

func (v FieldView) str(names ...string) string {
	for _, name := range names {
		raw, ok := v.fields[name]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// Repository returns the explicit target repository field, if any.
func (v FieldView) Repository() string {
	return v.str("repository", "target repository", "repo")
}

// Language returns the explicit language/stack field, if any.
func (v FieldView) Language() string {
	return v.str("language", "stack")
}

// BuildCommand returns the explicit build command field, if any.
func (v FieldView) BuildCommand() string {
	return v.str("build command", "build")
}

// TestCommand returns the explicit test command field, if any.
func (v FieldView) TestCommand() string {
	return v.str("test command", "test")
}

// DeployTarget returns the explicit deploy target field, if any.
func (v FieldView) DeployTarget() string {
	return v.str("deploy target", "deploy")
}

// Files returns the explicit file list field, split on newlines and commas.
func (v FieldView) Files() []string {
	raw := v.str("files", "file list")
	if raw == "" {
		return nil
	}
	var files []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == ','
	}) {
		if part = strings.TrimSpace(part); part != "" {
			files = append(files, part)
		}
	}
	return files
}
