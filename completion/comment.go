package completion

import (
	"regexp"
	"strings"
)

// Markers that identify a structured completion comment. Matching is
// case-insensitive.
var completionMarkers = []string{
	"## step complete",
	"step complete",
	"workflow complete",
	"✅ complete",
}

// completedAgentRe captures the agent slug following the "step complete"
// marker, e.g. "## step complete — developer" or "step complete: developer".
var completedAgentRe = regexp.MustCompile(`(?i)step complete\s*(?:—|–|-|:)\s*` + "`?@?" + `([a-z0-9][a-z0-9_-]*)`)

// handoffRe captures "@agent" handoff mentions, e.g. "ready for @reviewer".
var handoffRe = regexp.MustCompile("`?@([a-zA-Z0-9][a-zA-Z0-9_-]*)`?")

// CommentSignal is the parsed form of a structured agent comment.
type CommentSignal struct {
	IsCompletion   bool
	CompletedAgent string
	NextAgent      string
}

// ParseComment extracts the completion signal from an issue comment body.
func ParseComment(body string) CommentSignal {
	var sig CommentSignal
	lower := strings.ToLower(body)
	for _, marker := range completionMarkers {
		if strings.Contains(lower, marker) {
			sig.IsCompletion = true
			break
		}
	}
	if m := completedAgentRe.FindStringSubmatch(body); m != nil {
		sig.CompletedAgent = NormalizeAgentName(m[1])
	}
	if agent, ok := Handoff(body); ok {
		sig.NextAgent = agent
	}
	return sig
}

// Handoff returns the first "@agent" mention in the body, normalized.
// Mentions of the completed agent inside the marker line are excluded by
// scanning after the marker when one is present.
func Handoff(body string) (string, bool) {
	search := body
	if m := completedAgentRe.FindStringIndex(body); m != nil {
		search = body[m[1]:]
	}
	match := handoffRe.FindStringSubmatch(search)
	if match == nil {
		return "", false
	}
	return NormalizeAgentName(match[1]), true
}
