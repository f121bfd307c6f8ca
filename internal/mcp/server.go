// Package mcp exposes the Plane workspace and the session store as MCP
// tools, so agents running against this service can read and update
// issues over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/zenova/internal/plane"
	"github.com/joescharf/zenova/internal/report"
	"github.com/joescharf/zenova/internal/session"
)

// PlaneAPI is the slice of the Plane client the tools need.
type PlaneAPI interface {
	GetIssue(ctx context.Context, workspaceSlug, projectID, issueID string) (*plane.Issue, error)
	GetComments(ctx context.Context, workspaceSlug, projectID, issueID string) ([]plane.Comment, error)
	AddComment(ctx context.Context, workspaceSlug, projectID, issueID, html string, opts *plane.CommentOptions) (*plane.Comment, error)
	UpdateIssueState(ctx context.Context, workspaceSlug, projectID, issueID, stateID string) error
	ResolveStateByGroup(ctx context.Context, workspaceSlug, projectID, group string) (string, error)
}

// Server wraps the Plane client and session store as MCP tools.
type Server struct {
	plane         PlaneAPI
	sessions      session.Store
	workspaceSlug string
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(planeAPI PlaneAPI, sessions session.Store, workspaceSlug string) *Server {
	return &Server{
		plane:         planeAPI,
		sessions:      sessions,
		workspaceSlug: workspaceSlug,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("zenova", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.getIssueTool())
	srv.AddTool(s.getCommentsTool())
	srv.AddTool(s.addCommentTool())
	srv.AddTool(s.updateIssueStateTool())
	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.getSessionTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// zenova_get_issue
func (s *Server) getIssueTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("zenova_get_issue",
		mcp.WithDescription("Get a Plane issue: title, description, priority, state, assignees."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project id")),
		mcp.WithString("issue", mcp.Required(), mcp.Description("Issue id")),
	)
	return tool, s.handleGetIssue
}

func (s *Server) handleGetIssue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	issueID, err := request.RequireString("issue")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue"), nil
	}

	issue, err := s.plane.GetIssue(ctx, s.workspaceSlug, projectID, issueID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get issue: %v", err)), nil
	}
	data, err := json.Marshal(issue)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal issue: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// zenova_get_comments
func (s *Server) getCommentsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("zenova_get_comments",
		mcp.WithDescription("List the comments on a Plane issue, oldest first."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project id")),
		mcp.WithString("issue", mcp.Required(), mcp.Description("Issue id")),
	)
	return tool, s.handleGetComments
}

func (s *Server) handleGetComments(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	issueID, err := request.RequireString("issue")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue"), nil
	}

	comments, err := s.plane.GetComments(ctx, s.workspaceSlug, projectID, issueID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get comments: %v", err)), nil
	}

	type commentOut struct {
		ID     string `json:"id"`
		Text   string `json:"text"`
		Actor  string `json:"actor,omitempty"`
		Source string `json:"source,omitempty"`
	}
	out := make([]commentOut, len(comments))
	for i, c := range comments {
		out[i] = commentOut{ID: c.ID, Text: c.CommentStripped, Source: c.ExternalSource}
		if c.ActorDetail != nil {
			out[i].Actor = c.ActorDetail.DisplayName
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal comments: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// zenova_add_comment
func (s *Server) addCommentTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("zenova_add_comment",
		mcp.WithDescription("Post an HTML comment on a Plane issue."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project id")),
		mcp.WithString("issue", mcp.Required(), mcp.Description("Issue id")),
		mcp.WithString("html", mcp.Required(), mcp.Description("Comment body as HTML")),
	)
	return tool, s.handleAddComment
}

func (s *Server) handleAddComment(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	issueID, err := request.RequireString("issue")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue"), nil
	}
	html, err := request.RequireString("html")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: html"), nil
	}

	comment, err := s.plane.AddComment(ctx, s.workspaceSlug, projectID, issueID, html,
		&plane.CommentOptions{ExternalSource: report.ExternalSource})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to add comment: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(`{"id":%q}`, comment.ID)), nil
}

// zenova_update_issue_state
func (s *Server) updateIssueStateTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("zenova_update_issue_state",
		mcp.WithDescription("Move a Plane issue to the state matching a group: backlog, unstarted, started, completed, or cancelled."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project id")),
		mcp.WithString("issue", mcp.Required(), mcp.Description("Issue id")),
		mcp.WithString("group", mcp.Required(), mcp.Description("Target state group")),
	)
	return tool, s.handleUpdateIssueState
}

func (s *Server) handleUpdateIssueState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	issueID, err := request.RequireString("issue")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue"), nil
	}
	group, err := request.RequireString("group")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: group"), nil
	}

	stateID, err := s.plane.ResolveStateByGroup(ctx, s.workspaceSlug, projectID, group)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to resolve state for group %q: %v", group, err)), nil
	}
	if err := s.plane.UpdateIssueState(ctx, s.workspaceSlug, projectID, issueID, stateID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update issue state: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(`{"state":%q,"group":%q}`, stateID, group)), nil
}

// zenova_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("zenova_list_sessions",
		mcp.WithDescription("List active agent sessions with their state and issue."),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions, err := s.sessions.Active(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	type sessionOut struct {
		ID      string `json:"id"`
		IssueID string `json:"issueId"`
		State   string `json:"state"`
		Mode    string `json:"mode"`
	}
	out := make([]sessionOut, len(sessions))
	for i, sess := range sessions {
		out[i] = sessionOut{
			ID:      sess.ID,
			IssueID: sess.IssueID,
			State:   string(sess.State),
			Mode:    string(sess.Mode),
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// zenova_get_session
func (s *Server) getSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("zenova_get_session",
		mcp.WithDescription("Get one agent session including its activity log and final response."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Session id")),
	)
	return tool, s.handleGetSession
}

func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: id"), nil
	}

	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", id)), nil
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal session: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
