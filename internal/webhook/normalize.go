package webhook

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/joescharf/zenova/internal/models"
)

// Envelope is the outer shape of every Plane webhook delivery.
type Envelope struct {
	Event  string          `json:"event"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

var (
	uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-`)
	tagRe  = regexp.MustCompile(`<[^>]*>`)
)

type workspaceDetail struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
}

type rawComment struct {
	ID              string           `json:"id"`
	Issue           string           `json:"issue"`
	IssueID         string           `json:"issue_id"`
	Project         string           `json:"project"`
	Workspace       string           `json:"workspace"`
	CommentHTML     string           `json:"comment_html"`
	CommentStripped string           `json:"comment_stripped"`
	ExternalSource  string           `json:"external_source"`
	Actor           string           `json:"actor"`
	CreatedBy       string           `json:"created_by"`
	ActorDetail     *actorDetail     `json:"actor_detail"`
	WorkspaceDetail *workspaceDetail `json:"workspace_detail"`
}

type actorDetail struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type rawIssue struct {
	ID                  string         `json:"id"`
	Project             string         `json:"project"`
	Workspace           string         `json:"workspace"`
	Name                string         `json:"name"`
	DescriptionStripped string         `json:"description_stripped"`
	Priority            string         `json:"priority"`
	Assignees           []string       `json:"assignees"`
	Labels              []models.Label `json:"labels"`
	StateDetail         *struct {
		Name  string `json:"name"`
		Group string `json:"group"`
	} `json:"state_detail"`
	WorkspaceDetail *workspaceDetail `json:"workspace_detail"`
}

// Normalizer converts raw webhook payloads into the typed events the
// rest of the service consumes. Plane sometimes sends the workspace as
// a UUID rather than a slug; seen slugs are cached against their UUID
// so later deliveries resolve without the configured fallback.
type Normalizer struct {
	defaultSlug string

	mu    sync.Mutex
	slugs map[string]string
}

func NewNormalizer(defaultSlug string) *Normalizer {
	return &Normalizer{
		defaultSlug: defaultSlug,
		slugs:       make(map[string]string),
	}
}

func (n *Normalizer) resolveSlug(raw string, detail *workspaceDetail) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	if detail != nil && detail.Slug != "" {
		if detail.ID != "" {
			n.slugs[detail.ID] = detail.Slug
		}
		if raw != "" && uuidRe.MatchString(raw) {
			n.slugs[raw] = detail.Slug
		}
		return detail.Slug
	}
	if raw == "" {
		return n.defaultSlug
	}
	if uuidRe.MatchString(raw) {
		if slug, ok := n.slugs[raw]; ok {
			return slug
		}
		return n.defaultSlug
	}
	return raw
}

// Comment normalizes a comment payload. Deliveries vary: some carry the
// issue id under "issue", some under "issue_id", and comment_stripped is
// not always populated.
func (n *Normalizer) Comment(data json.RawMessage) (*models.CommentEvent, error) {
	var raw rawComment
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing comment payload: %w", err)
	}

	issueID := raw.IssueID
	if issueID == "" {
		issueID = raw.Issue
	}
	if raw.ID == "" || issueID == "" {
		return nil, fmt.Errorf("comment payload missing id or issue reference")
	}

	stripped := strings.TrimSpace(raw.CommentStripped)
	if stripped == "" {
		stripped = StripHTML(raw.CommentHTML)
	}

	ev := &models.CommentEvent{
		ID:              raw.ID,
		IssueID:         issueID,
		ProjectID:       raw.Project,
		WorkspaceSlug:   n.resolveSlug(raw.Workspace, raw.WorkspaceDetail),
		CommentHTML:     raw.CommentHTML,
		CommentStripped: stripped,
		ExternalSource:  raw.ExternalSource,
	}

	switch {
	case raw.ActorDetail != nil && raw.ActorDetail.ID != "":
		ev.ActorID = raw.ActorDetail.ID
		ev.ActorName = raw.ActorDetail.DisplayName
	case raw.Actor != "":
		ev.ActorID = raw.Actor
		ev.ActorName = "User"
	case raw.CreatedBy != "":
		ev.ActorID = raw.CreatedBy
		ev.ActorName = "User"
	default:
		ev.ActorID = "unknown"
		ev.ActorName = "User"
	}
	return ev, nil
}

// Issue normalizes an issue payload.
func (n *Normalizer) Issue(data json.RawMessage) (*models.IssueEvent, error) {
	var raw rawIssue
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing issue payload: %w", err)
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("issue payload missing id")
	}

	ev := &models.IssueEvent{
		ID:                  raw.ID,
		ProjectID:           raw.Project,
		WorkspaceSlug:       n.resolveSlug(raw.Workspace, raw.WorkspaceDetail),
		Title:               raw.Name,
		DescriptionStripped: raw.DescriptionStripped,
		Priority:            raw.Priority,
		Assignees:           raw.Assignees,
		Labels:              raw.Labels,
	}
	if raw.StateDetail != nil {
		ev.StateName = raw.StateDetail.Name
		ev.StateGroup = raw.StateDetail.Group
	}
	return ev, nil
}

var htmlEntities = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
)

// StripHTML reduces an HTML fragment to its visible text with
// whitespace collapsed.
func StripHTML(html string) string {
	text := tagRe.ReplaceAllString(html, " ")
	text = htmlEntities.Replace(text)
	return strings.Join(strings.Fields(text), " ")
}
