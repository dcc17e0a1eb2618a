// Package promptbuilder assembles the effective prompt a worker sends to
// the executor CLI: the task's prompt, prefixed by a shared-context
// preamble and the contents of any context_files (§4.3 step 3).
package promptbuilder

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// DefaultFileBudget caps how many bytes of a single context file are
// injected, so one huge file can't crowd out the rest of the prompt.
const DefaultFileBudget = 8 * 1024

// Builder assembles effective prompts.
type Builder struct {
	FileBudget int
}

// New builds a Builder using DefaultFileBudget.
func New() *Builder {
	return &Builder{FileBudget: DefaultFileBudget}
}

// Build returns the effective prompt: shared-context preamble, then
// context_files contents, then the task's own prompt.
func (b *Builder) Build(prompt string, sharedContext map[string]string, contextFiles []string) string {
	var out strings.Builder

	if preamble := formatSharedContext(sharedContext); preamble != "" {
		out.WriteString(preamble)
		out.WriteString("\n")
	}

	if section := b.formatContextFiles(contextFiles); section != "" {
		out.WriteString(section)
		out.WriteString("\n")
	}

	out.WriteString(prompt)
	return out.String()
}

// formatSharedContext renders the "Project Conventions" preamble, keys
// sorted for determinism (§4.3 step 3).
func formatSharedContext(sharedContext map[string]string) string {
	if len(sharedContext) == 0 {
		return ""
	}

	keys := make([]string, 0, len(sharedContext))
	for k := range sharedContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Project Conventions (follow these):\n")
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("- %s: %s\n", k, sharedContext[k]))
	}
	return b.String()
}

// formatContextFiles reads each path and appends its (possibly truncated)
// contents under a labeled section. Unreadable files are noted rather
// than failing the whole build; the executor CLI should still get
// whatever context is available.
func (b *Builder) formatContextFiles(paths []string) string {
	if len(paths) == 0 {
		return ""
	}

	budget := b.FileBudget
	if budget <= 0 {
		budget = DefaultFileBudget
	}

	var out strings.Builder
	out.WriteString("Context files:\n\n")
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			out.WriteString(fmt.Sprintf("--- %s (unreadable: %v) ---\n\n", path, err))
			continue
		}
		content := string(data)
		truncated := false
		if len(content) > budget {
			content = content[:budget]
			truncated = true
		}
		out.WriteString(fmt.Sprintf("--- %s ---\n%s", path, content))
		if truncated {
			out.WriteString("\n... (truncated)")
		}
		out.WriteString("\n\n")
	}
	return out.String()
}
