package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joescharf/zenova/internal/models"
	"github.com/joescharf/zenova/internal/store"
)

// SQLiteStore is the persistent backend. Sessions and locks live in the
// shared database, so multiple service instances pointed at the same file
// (or volume) see the same locks. Lock acquisition is a single conditional
// upsert, never a read-then-write.
type SQLiteStore struct {
	db  *store.DB
	now func() time.Time
}

// NewSQLiteStore wraps the shared database handle. The caller retains
// ownership of the handle; Close on this store is a no-op.
func NewSQLiteStore(db *store.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

const sessionColumns = `id, issue_id, project_id, workspace_slug, state, mode,
	triggered_by, trigger_comment_id, parent_session_id, activities,
	progress_comment_id, final_response, error, created_at, updated_at`

func (s *SQLiteStore) Create(ctx context.Context, opts CreateOptions) (*models.AgentSession, error) {
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sess := &models.AgentSession{
		ID:               store.NewULID(),
		IssueID:          opts.IssueID,
		ProjectID:        opts.ProjectID,
		WorkspaceSlug:    opts.WorkspaceSlug,
		State:            models.SessionStatePending,
		Mode:             opts.Mode,
		TriggeredBy:      opts.TriggeredBy,
		TriggerCommentID: opts.TriggerCommentID,
		ParentSessionID:  opts.ParentSessionID,
		Activities:       []models.AgentActivity{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// Atomic set-if-absent-with-expiry: the upsert only takes over a lock
	// row whose expiry has passed. Zero rows affected means the lock is
	// held by a live session.
	res, err := tx.ExecContext(ctx,
		`INSERT INTO session_locks (issue_id, session_id, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(issue_id) DO UPDATE SET session_id = excluded.session_id, expires_at = excluded.expires_at
		WHERE session_locks.expires_at <= ?`,
		opts.IssueID, sess.ID, now.Add(LockExpiry).Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("acquire issue lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agent_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.IssueID, sess.ProjectID, sess.WorkspaceSlug,
		string(sess.State), string(sess.Mode),
		sess.TriggeredBy, sess.TriggerCommentID, sess.ParentSessionID,
		"[]", "", "", "", sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.AgentSession, error) {
	sess := &models.AgentSession{}
	var state, mode, activities string

	err := row.Scan(&sess.ID, &sess.IssueID, &sess.ProjectID, &sess.WorkspaceSlug,
		&state, &mode,
		&sess.TriggeredBy, &sess.TriggerCommentID, &sess.ParentSessionID, &activities,
		&sess.ProgressCommentID, &sess.FinalResponse, &sess.Error,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}

	sess.State = models.SessionState(state)
	sess.Mode = models.SessionMode(mode)
	if err := json.Unmarshal([]byte(activities), &sess.Activities); err != nil {
		return nil, fmt.Errorf("decode activities: %w", err)
	}
	if sess.Activities == nil {
		sess.Activities = []models.AgentActivity{}
	}
	return sess, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.AgentSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// mutate runs a read-modify-write on one session inside a transaction,
// releasing the issue lock when the session reaches a terminal state.
func (s *SQLiteStore) mutate(ctx context.Context, id string, fn func(*models.AgentSession)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	fn(sess)
	sess.UpdatedAt = s.now().UTC()

	activities, err := json.Marshal(sess.Activities)
	if err != nil {
		return fmt.Errorf("encode activities: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE agent_sessions SET state=?, activities=?, progress_comment_id=?,
		final_response=?, error=?, updated_at=? WHERE id=?`,
		string(sess.State), string(activities), sess.ProgressCommentID,
		sess.FinalResponse, sess.Error, sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	if sess.State.Terminal() {
		_, err = tx.ExecContext(ctx,
			"DELETE FROM session_locks WHERE issue_id = ? AND session_id = ?",
			sess.IssueID, sess.ID)
		if err != nil {
			return fmt.Errorf("release issue lock: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateState(ctx context.Context, id string, state models.SessionState) error {
	return s.mutate(ctx, id, func(sess *models.AgentSession) {
		sess.State = state
	})
}

func (s *SQLiteStore) AddActivity(ctx context.Context, id string, activity models.AgentActivity) error {
	return s.mutate(ctx, id, func(sess *models.AgentSession) {
		if activity.Type == models.ActivityToolStart || activity.Type == models.ActivityText {
			sess.State = models.SessionStateActive
		}
		sess.Activities = append(sess.Activities, activity)
	})
}

func (s *SQLiteStore) MarkActivityComplete(ctx context.Context, id, label string) error {
	return s.mutate(ctx, id, func(sess *models.AgentSession) {
		for i := len(sess.Activities) - 1; i >= 0; i-- {
			if sess.Activities[i].Label == label && !sess.Activities[i].Completed {
				sess.Activities[i].Completed = true
				break
			}
		}
	})
}

func (s *SQLiteStore) SetProgressCommentID(ctx context.Context, id, commentID string) error {
	return s.mutate(ctx, id, func(sess *models.AgentSession) {
		sess.ProgressCommentID = commentID
	})
}

func (s *SQLiteStore) SetFinalResponse(ctx context.Context, id, response string) error {
	return s.mutate(ctx, id, func(sess *models.AgentSession) {
		sess.FinalResponse = response
	})
}

func (s *SQLiteStore) SetError(ctx context.Context, id, message string) error {
	return s.mutate(ctx, id, func(sess *models.AgentSession) {
		sess.Error = message
		sess.State = models.SessionStateError
	})
}

func (s *SQLiteStore) ActiveForIssue(ctx context.Context, issueID string) (*models.AgentSession, error) {
	var expires int64
	err := s.db.QueryRowContext(ctx,
		"SELECT expires_at FROM session_locks WHERE issue_id = ?", issueID).Scan(&expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check issue lock: %w", err)
	}
	if expires <= s.now().Unix() {
		return nil, nil
	}

	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions
		WHERE issue_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, issueID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	if sess.State.Terminal() {
		return nil, nil
	}
	return sess, nil
}

func (s *SQLiteStore) AwaitingForIssue(ctx context.Context, issueID string) (*models.AgentSession, error) {
	sessions, err := s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions
		WHERE issue_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 5`, issueID)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if sess.State == models.SessionStateAwaitingInput {
			return sess, nil
		}
	}
	return nil, nil
}

func (s *SQLiteStore) Active(ctx context.Context) ([]*models.AgentSession, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions
		WHERE state IN ('pending', 'active', 'awaiting_input')
		ORDER BY created_at DESC, rowid DESC`)
}

func (s *SQLiteStore) ByIssue(ctx context.Context, issueID string) ([]*models.AgentSession, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions
		WHERE issue_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 20`, issueID)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*models.AgentSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.AgentSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) ReapStale(ctx context.Context) (int, error) {
	active, err := s.Active(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now().UTC()
	reaped := 0
	for _, sess := range active {
		if now.Sub(sess.UpdatedAt) > StaleThreshold {
			if err := s.SetError(ctx, sess.ID, staleMessage); err != nil {
				return reaped, fmt.Errorf("reap session %s: %w", sess.ID, err)
			}
			reaped++
		}
	}

	// Retention: terminal sessions are kept for follow-up lookup, then
	// discarded. Cutoff comparison happens in Go to avoid relying on the
	// driver's timestamp text format in SQL.
	terminal, err := s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE state IN ('complete', 'error')`)
	if err != nil {
		return reaped, err
	}
	for _, sess := range terminal {
		if now.Sub(sess.UpdatedAt) > TerminalRetention {
			if _, err := s.db.ExecContext(ctx, "DELETE FROM agent_sessions WHERE id = ?", sess.ID); err != nil {
				return reaped, fmt.Errorf("expire session %s: %w", sess.ID, err)
			}
		}
	}

	return reaped, nil
}

// Close is a no-op; the shared database handle is owned by the caller.
func (s *SQLiteStore) Close() error { return nil }
