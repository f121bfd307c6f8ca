// Package dispatch decides which agent, if any, handles an incoming
// issue event, and at what queue priority.
package dispatch

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/joescharf/zenova/internal/models"
)

type agentsFile struct {
	Agents []models.AgentDefinition `yaml:"agents"`
}

// LoadAgents reads the agent roster from a YAML file.
func LoadAgents(path string) ([]models.AgentDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents config: %w", err)
	}

	var file agentsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse agents config: %w", err)
	}
	if len(file.Agents) == 0 {
		return nil, fmt.Errorf("agents config %s defines no agents", path)
	}

	for i, a := range file.Agents {
		if a.Name == "" {
			return nil, fmt.Errorf("agents config %s: agent %d has no name", path, i)
		}
	}
	return file.Agents, nil
}
