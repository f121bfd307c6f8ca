package dispatch

import (
	"strings"

	"github.com/joescharf/zenova/internal/models"
)

// Router maps an issue's assignees and labels to an agent definition.
// Assignee matches win over label matches.
type Router struct {
	byAssignee map[string]models.AgentDefinition
	byLabel    map[string]models.AgentDefinition
}

func NewRouter(agents []models.AgentDefinition) *Router {
	r := &Router{
		byAssignee: make(map[string]models.AgentDefinition, len(agents)),
		byLabel:    make(map[string]models.AgentDefinition, len(agents)),
	}
	for _, a := range agents {
		if a.AssigneeID != "" {
			r.byAssignee[a.AssigneeID] = a
		}
		r.byLabel[strings.ToLower(a.Name)] = a
	}
	return r
}

func (r *Router) RouteByAssignee(assigneeID string) (models.AgentDefinition, bool) {
	a, ok := r.byAssignee[assigneeID]
	return a, ok
}

func (r *Router) RouteByLabel(labelName string) (models.AgentDefinition, bool) {
	a, ok := r.byLabel[strings.ToLower(labelName)]
	return a, ok
}

// Resolve picks the agent for an issue, or reports that none matched.
func (r *Router) Resolve(assignees []string, labels []models.Label) (models.AgentDefinition, bool) {
	for _, id := range assignees {
		if a, ok := r.RouteByAssignee(id); ok {
			return a, true
		}
	}
	for _, label := range labels {
		if a, ok := r.RouteByLabel(label.Name); ok {
			return a, true
		}
	}
	return models.AgentDefinition{}, false
}
