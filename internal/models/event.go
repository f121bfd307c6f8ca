package models

// Label is an issue label as delivered by the ticket system.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IssueEvent is the strictly-typed form of an inbound issue webhook payload.
// All external JSON is normalized into this shape before any business logic
// runs.
type IssueEvent struct {
	ID                  string   `json:"id"`
	ProjectID           string   `json:"project"`
	WorkspaceSlug       string   `json:"workspace"`
	Title               string   `json:"name"`
	DescriptionStripped string   `json:"description_stripped"`
	Priority            string   `json:"priority"`
	StateName           string   `json:"stateName"`
	StateGroup          string   `json:"stateGroup"`
	Assignees           []string `json:"assignees"`
	Labels              []Label  `json:"labels"`
}

// CommentEvent is the normalized form of an inbound comment webhook payload.
type CommentEvent struct {
	ID              string `json:"id"`
	IssueID         string `json:"issueId"`
	ProjectID       string `json:"project"`
	WorkspaceSlug   string `json:"workspace"`
	CommentHTML     string `json:"comment_html"`
	CommentStripped string `json:"comment_stripped"`

	// ExternalSource is set only on comments this service wrote itself;
	// its presence short-circuits self-loop detection.
	ExternalSource string `json:"external_source,omitempty"`

	ActorID   string `json:"actorId"`
	ActorName string `json:"actorName"`
}
