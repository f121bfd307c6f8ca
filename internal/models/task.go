package models

import (
	"encoding/json"
	"time"
)

// QueuedTask is a unit of deferred work, created when the target agent type
// is at capacity. Tasks are immutable once queued.
type QueuedTask struct {
	ID            string          `json:"id"`
	IssueID       string          `json:"issueId"`
	ProjectID     string          `json:"projectId"`
	WorkspaceSlug string          `json:"workspaceSlug"`
	AgentType     string          `json:"agentType"`
	Priority      int             `json:"priority"`
	Payload       json.RawMessage `json:"payload"`
	QueuedAt      time.Time       `json:"queuedAt"`
}

// TaskPayload carries the issue snapshot and prompt a task was queued
// with. Stored as raw JSON on the task so the queue schema stays flat.
type TaskPayload struct {
	Name                string `json:"name"`
	DescriptionStripped string `json:"description_stripped"`
	Priority            string `json:"priority"`
	Prompt              string `json:"prompt,omitempty"`
	TriggeredBy         string `json:"triggeredBy,omitempty"`
	SessionID           string `json:"sessionId,omitempty"`
}

// DecodePayload parses the task's payload. A missing payload decodes to
// the zero value.
func (t *QueuedTask) DecodePayload() (TaskPayload, error) {
	var p TaskPayload
	if len(t.Payload) == 0 {
		return p, nil
	}
	err := json.Unmarshal(t.Payload, &p)
	return p, err
}

// RunningWorker is a handle to a live container or subprocess. Exactly one
// exists per task id at a time.
type RunningWorker struct {
	TaskID    string    `json:"taskId"`
	WorkerID  string    `json:"workerId"`
	AgentType string    `json:"agentType"`
	IssueID   string    `json:"issueId"`
	StartedAt time.Time `json:"startedAt"`
}
