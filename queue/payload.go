package queue

import (
	"fmt"
	"strings"
)

// Payload is the parsed header block of a task markdown body.
type Payload struct {
	Title       string
	Project     string
	Type        string
	TaskName    string
	Status      string
	Source      string
	Description string
	RawInput    string
}

// BuildPayload renders the task markdown format consumed by ParsePayload:
//
//	# <title>
//	**Project:** <project>
//	**Type:** <type-slug>
//	**Task Name:** <slug>
//	**Status:** Pending
//
//	<description>
//
//	---
//	**Raw Input:**
//	<raw>
func BuildPayload(p Payload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", p.Title)
	fmt.Fprintf(&b, "**Project:** %s\n", p.Project)
	fmt.Fprintf(&b, "**Type:** %s\n", p.Type)
	fmt.Fprintf(&b, "**Task Name:** %s\n", p.TaskName)
	status := p.Status
	if status == "" {
		status = "Pending"
	}
	fmt.Fprintf(&b, "**Status:** %s\n", status)
	if p.Source != "" {
		fmt.Fprintf(&b, "**Source:** %s\n", p.Source)
	}
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(p.Description))
	b.WriteString("\n")
	if p.RawInput != "" {
		b.WriteString("\n---\n**Raw Input:**\n")
		b.WriteString(strings.TrimSpace(p.RawInput))
		b.WriteString("\n")
	}
	return b.String()
}

// ParsePayload extracts the header block from a task markdown body. Unknown
// header lines are ignored; the description is everything between the header
// and the raw-input divider.
func ParsePayload(markdown string) (Payload, error) {
	var p Payload
	lines := strings.Split(markdown, "\n")
	i := 0

	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "# ") {
			p.Title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
			i++
		}
		break
	}

	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			break
		}
		key, value, ok := parseHeaderLine(line)
		if !ok {
			break
		}
		switch strings.ToLower(key) {
		case "project":
			p.Project = value
		case "type":
			p.Type = value
		case "task name":
			p.TaskName = value
		case "status":
			p.Status = value
		case "source":
			p.Source = value
		}
	}

	rest := strings.Join(lines[min(i, len(lines)):], "\n")
	if divider := strings.Index(rest, "\n---\n**Raw Input:**"); divider >= 0 {
		p.Description = strings.TrimSpace(rest[:divider])
		raw := rest[divider:]
		raw = strings.TrimPrefix(raw, "\n---\n**Raw Input:**")
		p.RawInput = strings.TrimSpace(raw)
	} else {
		p.Description = strings.TrimSpace(rest)
	}

	if p.Project == "" {
		return p, fmt.Errorf("task payload missing **Project:** header")
	}
	return p, nil
}

// parseHeaderLine splits "**Key:** value" into its parts.
func parseHeaderLine(line string) (key, value string, ok bool) {
	if !strings.HasPrefix(line, "**") {
		return "", "", false
	}
	rest := strings.TrimPrefix(line, "**")
	end := strings.Index(rest, ":**")
	if end < 0 {
		return "", "", false
	}
	return strings.TrimSpace(rest[:end]), strings.TrimSpace(rest[end+len(":**"):]), true
}
