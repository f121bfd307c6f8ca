package dispatch

import (
	"github.com/joescharf/zenova/internal/models"
)

// priorityValues orders Plane's named priorities for the task queue.
// Lower dispatches first.
var priorityValues = map[string]int{
	"urgent": 0,
	"high":   1,
	"medium": 2,
	"low":    3,
	"none":   4,
}

const defaultPriority = 2

// PriorityValue converts a Plane priority name to its queue rank.
// Unknown names rank as medium.
func PriorityValue(priority string) int {
	if v, ok := priorityValues[priority]; ok {
		return v
	}
	return defaultPriority
}

// Dispatcher resolves issue events to agents.
type Dispatcher struct {
	router *Router
}

func NewDispatcher(agents []models.AgentDefinition) *Dispatcher {
	return &Dispatcher{router: NewRouter(agents)}
}

func (d *Dispatcher) Router() *Router { return d.router }

// ShouldDispatch decides whether an issue event triggers an agent.
// Returns the matched agent and the task's queue priority.
func (d *Dispatcher) ShouldDispatch(issue *models.IssueEvent) (models.AgentDefinition, int, bool) {
	agent, ok := d.router.Resolve(issue.Assignees, issue.Labels)
	if !ok {
		return models.AgentDefinition{}, 0, false
	}
	return agent, PriorityValue(issue.Priority), true
}
