// Package session owns agent session records, the per-issue mutual-exclusion
// locks, and the stale-session reaper. Two backends satisfy the same Store
// contract: a process-local map (lost on restart) and a SQLite-backed store
// whose lock writes are atomic conditional upserts, so multiple service
// instances sharing one database cannot double-dispatch an issue.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/zenova/internal/models"
)

const (
	// StaleThreshold is how long a non-terminal session may go without an
	// update before the reaper force-errors it.
	StaleThreshold = 10 * time.Minute

	// ReapInterval is how often the reaper sweeps.
	ReapInterval = 5 * time.Minute

	// LockExpiry is the absolute expiry on a per-issue lock. It matches the
	// stale threshold so a crashed process can never pin an issue past one
	// sweep.
	LockExpiry = 10 * time.Minute

	// TerminalRetention is how long terminal sessions are kept for audit
	// and follow-up lookup.
	TerminalRetention = 7 * 24 * time.Hour
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("session not found")

// CreateOptions carries the provenance for a new session.
type CreateOptions struct {
	IssueID          string
	ProjectID        string
	WorkspaceSlug    string
	Mode             models.SessionMode
	TriggeredBy      string
	TriggerCommentID string
	ParentSessionID  string
}

// Store is the session persistence contract. Create returns (nil, nil)
// when the issue lock is held. That is not an error: callers must treat
// "no session" as "busy, try later".
type Store interface {
	Create(ctx context.Context, opts CreateOptions) (*models.AgentSession, error)
	Get(ctx context.Context, id string) (*models.AgentSession, error)

	UpdateState(ctx context.Context, id string, state models.SessionState) error
	AddActivity(ctx context.Context, id string, activity models.AgentActivity) error
	MarkActivityComplete(ctx context.Context, id, label string) error
	SetProgressCommentID(ctx context.Context, id, commentID string) error
	SetFinalResponse(ctx context.Context, id, response string) error
	SetError(ctx context.Context, id, message string) error

	// ActiveForIssue returns the most recent non-terminal session for the
	// issue, or nil when no lock is held.
	ActiveForIssue(ctx context.Context, issueID string) (*models.AgentSession, error)

	// AwaitingForIssue scans the issue's most recent sessions for one in
	// awaiting_input, supporting multi-turn follow-up.
	AwaitingForIssue(ctx context.Context, issueID string) (*models.AgentSession, error)

	Active(ctx context.Context) ([]*models.AgentSession, error)
	ByIssue(ctx context.Context, issueID string) ([]*models.AgentSession, error)

	// ReapStale force-errors non-terminal sessions with no update for
	// longer than StaleThreshold, releasing their locks, and discards
	// terminal sessions older than TerminalRetention. Returns the number
	// of sessions reaped.
	ReapStale(ctx context.Context) (int, error)

	Close() error
}

const staleMessage = "Session timed out (no activity for 10 minutes)"

func cloneSession(s *models.AgentSession) *models.AgentSession {
	out := *s
	out.Activities = append([]models.AgentActivity(nil), s.Activities...)
	return &out
}
