package models

import "time"

// AgentDefinition describes one configured agent. Loaded once at startup
// from the agents YAML file; read-only at runtime.
type AgentDefinition struct {
	// Name doubles as the routing label (matched case-insensitively).
	Name string `yaml:"name"`

	// AssigneeID is the ticket-system user id that triggers this agent
	// when assigned to an issue. Assignee matches take priority over
	// label matches.
	AssigneeID string `yaml:"assigneeId"`

	// Image is the container image to run. If empty, Command is used to
	// spawn a local subprocess instead.
	Image   string   `yaml:"image"`
	Command []string `yaml:"command"`

	TimeoutSeconds int `yaml:"timeout"`
	MaxConcurrency int `yaml:"maxConcurrency"`
}

// Timeout returns the hard cap for a worker run. This is independent of any
// timeout handling inside the worker itself.
func (a AgentDefinition) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}
