package engine

import (
	"fmt"
	"os"

	"github.com/c360studio/nexus/completion"
	"gopkg.in/yaml.v3"
)

// AgentDef describes one agent slot in a tier definition.
type AgentDef struct {
	Name        string `yaml:"agent" json:"name"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	Type        string `yaml:"type" json:"type"`
}

// Definition is a workflow definition file: named tiers plus the terminal
// sentinel set. The sentinel set is configurable here so the overlapping
// hard-coded variants stay in one place.
type Definition struct {
	TerminalAgents []string              `yaml:"terminal_agents"`
	Tiers          map[string][]AgentDef `yaml:"tiers"`

	terminal map[string]bool
}

// DefaultTerminalAgents is used when a definition file does not override the
// sentinel set. The empty string covers "no next agent".
var DefaultTerminalAgents = []string{"", "done", "complete", "reviewer-complete"}

// LoadDefinition reads a workflow definition YAML file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition: %w", err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	if err := def.init(); err != nil {
		return nil, err
	}
	return &def, nil
}

// NewDefinition builds a definition in code; tests and embedded defaults use
// this.
func NewDefinition(tiers map[string][]AgentDef, terminalAgents []string) (*Definition, error) {
	def := &Definition{TerminalAgents: terminalAgents, Tiers: tiers}
	if err := def.init(); err != nil {
		return nil, err
	}
	return def, nil
}

func (d *Definition) init() error {
	if len(d.Tiers) == 0 {
		return fmt.Errorf("workflow definition has no tiers")
	}
	for tier, steps := range d.Tiers {
		if len(steps) == 0 {
			return fmt.Errorf("tier %q has no steps", tier)
		}
		for i, step := range steps {
			if step.Name == "" {
				return fmt.Errorf("tier %q step %d has no agent", tier, i+1)
			}
		}
	}
	sentinels := d.TerminalAgents
	if len(sentinels) == 0 {
		sentinels = DefaultTerminalAgents
	}
	d.terminal = make(map[string]bool, len(sentinels)+1)
	d.terminal[""] = true
	for _, s := range sentinels {
		d.terminal[completion.NormalizeAgentName(s)] = true
	}
	return nil
}

// StepsFor returns the agent list for a tier.
func (d *Definition) StepsFor(tier string) ([]AgentDef, error) {
	steps, ok := d.Tiers[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	return steps, nil
}

// IsTerminal reports whether a next_agent value ends the workflow.
func (d *Definition) IsTerminal(nextAgent string) bool {
	return d.terminal[completion.NormalizeAgentName(nextAgent)]
}
