// Package command declares the operator command contract: the stable surface
// any front-end targets. Front-end implementations live outside this module.
package command

import "sort"

// Command describes one operator command.
type Command struct {
	// Name is the stable command slug a front-end maps to its own syntax.
	Name string
	// Usage is the canonical argument shape, empty for no-argument commands.
	Usage string
	// Description is a one-line help text.
	Description string
	// RequiresIssue marks commands that operate on a specific issue.
	RequiresIssue bool
}

// Catalog is the full command set, keyed by name.
var Catalog = map[string]Command{
	"status":    {Name: "status", Usage: "[issue]", Description: "Show workflow status for an issue or a summary of all active workflows."},
	"active":    {Name: "active", Description: "List issues with a running workflow."},
	"track":     {Name: "track", Usage: "<issue> [description]", Description: "Add an issue to the tracked set.", RequiresIssue: true},
	"tracked":   {Name: "tracked", Description: "List tracked issues."},
	"untrack":   {Name: "untrack", Usage: "<issue>", Description: "Remove an issue from the tracked set.", RequiresIssue: true},
	"myissues":  {Name: "myissues", Description: "List open issues assigned to the caller."},
	"chat":      {Name: "chat", Usage: "<issue> <message>", Description: "Post a message to the issue thread.", RequiresIssue: true},
	"pause":     {Name: "pause", Usage: "<issue>", Description: "Freeze agent chaining for the workflow.", RequiresIssue: true},
	"resume":    {Name: "resume", Usage: "<issue>", Description: "Unfreeze the workflow without launching anything.", RequiresIssue: true},
	"stop":      {Name: "stop", Usage: "<issue>", Description: "Terminate the workflow.", RequiresIssue: true},
	"continue":  {Name: "continue", Usage: "<issue>", Description: "Resume the workflow and launch the next pending step.", RequiresIssue: true},
	"agents":    {Name: "agents", Description: "List recently launched agents and their state."},
	"visualize": {Name: "visualize", Usage: "<issue>", Description: "Render the workflow as a mermaid diagram.", RequiresIssue: true},
	"watch":     {Name: "watch", Usage: "<issue> [mermaid]", Description: "Subscribe to live workflow updates for an issue.", RequiresIssue: true},
	"unwatch":   {Name: "unwatch", Usage: "[issue]", Description: "Drop the caller's watch subscription.", RequiresIssue: true},
	"reset":     {Name: "reset", Usage: "<issue> <agent>", Description: "Rewind the workflow to a named agent's step.", RequiresIssue: true},
	"queue":     {Name: "queue", Description: "Show pending inbox tasks."},
	"features":  {Name: "features", Usage: "[project]", Description: "List recorded features for a project."},
}

// RequiredParity is the minimum command set every front-end must expose.
var RequiredParity = []string{
	"status", "active", "track", "tracked", "untrack", "myissues", "chat",
	"pause", "resume", "stop", "continue", "agents", "visualize", "watch",
}

// Names returns all catalog command names, sorted.
func Names() []string {
	names := make([]string, 0, len(Catalog))
	for name := range Catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParityGap returns the required commands missing from a front-end's
// implemented set; empty means the front-end satisfies the contract.
func ParityGap(implemented []string) []string {
	have := make(map[string]bool, len(implemented))
	for _, name := range implemented {
		have[name] = true
	}
	var missing []string
	for _, name := range RequiredParity {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	return missing
}
