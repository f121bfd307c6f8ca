package models

import "time"

// SessionState represents where an agent session is in its lifecycle.
type SessionState string

const (
	SessionStatePending       SessionState = "pending"
	SessionStateActive        SessionState = "active"
	SessionStateAwaitingInput SessionState = "awaiting_input"
	SessionStateComplete      SessionState = "complete"
	SessionStateError         SessionState = "error"
)

// Terminal reports whether the state is final. Terminal sessions release
// their issue lock and are retained read-only.
func (s SessionState) Terminal() bool {
	return s == SessionStateComplete || s == SessionStateError
}

// SessionMode controls what the agent is allowed to do.
type SessionMode string

const (
	// ModeComment answers questions; it never mutates external state.
	ModeComment SessionMode = "comment"
	// ModeAutonomous may take action: push code, update issue state.
	ModeAutonomous SessionMode = "autonomous"
)

// ActivityType classifies one observed unit of work inside a session.
type ActivityType string

const (
	ActivityToolStart  ActivityType = "tool_start"
	ActivityToolResult ActivityType = "tool_result"
	ActivityText       ActivityType = "text"
	ActivityError      ActivityType = "error"
	ActivitySystem     ActivityType = "system"
)

// AgentActivity is one step in a session's activity log.
type AgentActivity struct {
	Type      ActivityType `json:"type"`
	Label     string       `json:"label"`
	Detail    string       `json:"detail,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Completed bool         `json:"completed"`
}

// AgentSession tracks one agent run against one issue.
type AgentSession struct {
	ID               string          `json:"id"`
	IssueID          string          `json:"issueId"`
	ProjectID        string          `json:"projectId"`
	WorkspaceSlug    string          `json:"workspaceSlug"`
	State            SessionState    `json:"state"`
	Mode             SessionMode     `json:"mode"`
	TriggeredBy      string          `json:"triggeredBy"`
	TriggerCommentID string          `json:"triggerCommentId"`
	Activities       []AgentActivity `json:"activities"`

	// ProgressCommentID is the single external status comment this session
	// owns. Empty until the first post succeeds.
	ProgressCommentID string `json:"progressCommentId,omitempty"`

	// FinalResponse and Error are mutually exclusive and set exactly once,
	// at a terminal state.
	FinalResponse string `json:"finalResponse,omitempty"`
	Error         string `json:"error,omitempty"`

	// ParentSessionID links a conversational follow-up to the prior session.
	ParentSessionID string `json:"parentSessionId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
