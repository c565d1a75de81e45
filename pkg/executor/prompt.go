package executor

import (
	"fmt"
	"sort"
	"strings"

	"foreman/pkg/catalog"
	"foreman/pkg/persistence"
)

func systemPrompt(agent *catalog.Resolved, issue *persistence.Issue) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(agent.FullPrompt()))
	b.WriteString("\n\n## Issue context\n")
	fmt.Fprintf(&b, "Type: %s\nPriority: %s\n", issue.Type, issue.Priority)
	if issue.Context.Module != "" {
		fmt.Fprintf(&b, "Module: %s\n", issue.Context.Module)
	}
	if len(issue.Context.Metadata) > 0 {
		keys := make([]string, 0, len(issue.Context.Metadata))
		for k := range issue.Context.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %v\n", k, issue.Context.Metadata[k])
		}
	}
	b.WriteString("\nWork only inside the workspace. Paths are relative to its root. ")
	b.WriteString("If a tool returns an error, adjust and continue.")
	return b.String()
}

func userPrompt(issue *persistence.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", issue.Title)
	if d := strings.TrimSpace(issue.Description); d != "" {
		b.WriteString(d)
		b.WriteString("\n")
	}
	if issue.Context.ErrorText != "" {
		fmt.Fprintf(&b, "\n## Error\n```\n%s\n```\n", strings.TrimSpace(issue.Context.ErrorText))
	}
	if len(issue.Context.Files) > 0 {
		b.WriteString("\n## Affected files\n")
		for _, f := range issue.Context.Files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}
