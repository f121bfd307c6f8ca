// Package plane is a minimal client for the Plane project-management
// REST API, covering the endpoints the dispatcher and reporter need.
package plane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Issue is the subset of a Plane issue the service reads.
type Issue struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	DescriptionStripped string   `json:"description_stripped"`
	Priority            string   `json:"priority"`
	State               string   `json:"state"`
	Assignees           []string `json:"assignees"`
	Labels              []string `json:"labels"`
}

type ActorDetail struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type Comment struct {
	ID              string       `json:"id"`
	CommentHTML     string       `json:"comment_html"`
	CommentStripped string       `json:"comment_stripped"`
	ExternalSource  string       `json:"external_source"`
	ActorDetail     *ActorDetail `json:"actor_detail"`
	CreatedAt       time.Time    `json:"created_at"`
}

// CommentOptions tags a posted comment so the webhook handler can
// recognize the service's own comments and skip them.
type CommentOptions struct {
	ExternalSource string `json:"external_source,omitempty"`
	ExternalID     string `json:"external_id,omitempty"`
}

type State struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Group string `json:"group"`
}

type Member struct {
	ID          string `json:"id"`
	Email       string `json:"member__email"`
	DisplayName string `json:"member__display_name"`
}

type Webhook struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type Client struct {
	baseURL  string
	apiToken string
	http     *http.Client
}

func NewClient(baseURL, apiToken string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// listResult tolerates both paginated ({"results": [...]}) and bare-array
// responses, which vary across Plane versions.
type listResult[T any] struct {
	items []T
}

func (l *listResult[T]) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &l.items)
	}
	var envelope struct {
		Results []T `json:"results"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return err
	}
	l.items = envelope.Results
	return nil
}

func (c *Client) issuePath(workspaceSlug, projectID, issueID string) string {
	return fmt.Sprintf("/api/v1/workspaces/%s/projects/%s/issues/%s/", workspaceSlug, projectID, issueID)
}

func (c *Client) GetIssue(ctx context.Context, workspaceSlug, projectID, issueID string) (*Issue, error) {
	var issue Issue
	if err := c.do(ctx, http.MethodGet, c.issuePath(workspaceSlug, projectID, issueID), nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (c *Client) GetComments(ctx context.Context, workspaceSlug, projectID, issueID string) ([]Comment, error) {
	var list listResult[Comment]
	path := c.issuePath(workspaceSlug, projectID, issueID) + "comments/"
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.items, nil
}

// AddComment posts an HTML comment on an issue. opts may be nil.
func (c *Client) AddComment(ctx context.Context, workspaceSlug, projectID, issueID, html string, opts *CommentOptions) (*Comment, error) {
	body := map[string]any{"comment_html": html}
	if opts != nil {
		if opts.ExternalSource != "" {
			body["external_source"] = opts.ExternalSource
		}
		if opts.ExternalID != "" {
			body["external_id"] = opts.ExternalID
		}
	}

	var comment Comment
	path := c.issuePath(workspaceSlug, projectID, issueID) + "comments/"
	if err := c.do(ctx, http.MethodPost, path, body, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

func (c *Client) UpdateComment(ctx context.Context, workspaceSlug, projectID, issueID, commentID, html string) error {
	path := c.issuePath(workspaceSlug, projectID, issueID) + "comments/" + commentID + "/"
	return c.do(ctx, http.MethodPatch, path, map[string]any{"comment_html": html}, nil)
}

func (c *Client) UpdateIssueState(ctx context.Context, workspaceSlug, projectID, issueID, stateID string) error {
	return c.do(ctx, http.MethodPatch, c.issuePath(workspaceSlug, projectID, issueID),
		map[string]any{"state": stateID}, nil)
}

func (c *Client) AddIssueLink(ctx context.Context, workspaceSlug, projectID, issueID, url, title string) error {
	path := c.issuePath(workspaceSlug, projectID, issueID) + "links/"
	return c.do(ctx, http.MethodPost, path, map[string]any{"url": url, "title": title}, nil)
}

func (c *Client) GetProjectStates(ctx context.Context, workspaceSlug, projectID string) ([]State, error) {
	var list listResult[State]
	path := fmt.Sprintf("/api/v1/workspaces/%s/projects/%s/states/", workspaceSlug, projectID)
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.items, nil
}

// ResolveStateByGroup finds a project state id by its group name
// (backlog, unstarted, started, completed, cancelled). Returns "" when
// the project has no state in that group.
func (c *Client) ResolveStateByGroup(ctx context.Context, workspaceSlug, projectID, group string) (string, error) {
	states, err := c.GetProjectStates(ctx, workspaceSlug, projectID)
	if err != nil {
		return "", err
	}
	for _, s := range states {
		if s.Group == group {
			return s.ID, nil
		}
	}
	return "", nil
}

func (c *Client) GetWorkspaceMembers(ctx context.Context, workspaceSlug string) ([]Member, error) {
	var list listResult[Member]
	path := fmt.Sprintf("/api/v1/workspaces/%s/members/", workspaceSlug)
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.items, nil
}

// RegisterWebhook subscribes the given URL to issue and comment events.
func (c *Client) RegisterWebhook(ctx context.Context, workspaceSlug, url, secret string) (*Webhook, error) {
	var hook Webhook
	path := fmt.Sprintf("/api/v1/workspaces/%s/webhooks/", workspaceSlug)
	body := map[string]any{
		"url":       url,
		"is_active": true,
		"issue":     true,
		"comment":   true,
		"secret":    secret,
	}
	if err := c.do(ctx, http.MethodPost, path, body, &hook); err != nil {
		return nil, err
	}
	return &hook, nil
}
