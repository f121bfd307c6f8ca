// Package queue persists tasks that could not be started immediately
// because worker capacity was exhausted. Tasks drain in priority order,
// FIFO within a priority level.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/joescharf/zenova/internal/models"
	"github.com/joescharf/zenova/internal/store"
)

// ErrEmpty is returned by Dequeue when no task is waiting.
var ErrEmpty = errors.New("queue is empty")

type Queue struct {
	db *store.DB
}

func New(db *store.DB) *Queue {
	return &Queue{db: db}
}

func (q *Queue) Enqueue(ctx context.Context, task *models.QueuedTask) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO task_queue (id, issue_id, project_id, workspace_slug, agent_type, priority, payload, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.IssueID, task.ProjectID, task.WorkspaceSlug,
		task.AgentType, task.Priority, string(task.Payload), task.QueuedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Dequeue removes and returns the highest-priority task. Selection and
// removal happen in one transaction so two drainers never pop the same
// task. Ties within a priority break by insertion order.
func (q *Queue) Dequeue(ctx context.Context) (*models.QueuedTask, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq     int64
		task    models.QueuedTask
		payload string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT seq, id, issue_id, project_id, workspace_slug, agent_type, priority, payload, queued_at
		FROM task_queue ORDER BY priority ASC, seq ASC LIMIT 1`,
	).Scan(&seq, &task.ID, &task.IssueID, &task.ProjectID, &task.WorkspaceSlug,
		&task.AgentType, &task.Priority, &payload, &task.QueuedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue task: %w", err)
	}
	task.Payload = []byte(payload)

	if _, err := tx.ExecContext(ctx, "DELETE FROM task_queue WHERE seq = ?", seq); err != nil {
		return nil, fmt.Errorf("remove task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return &task, nil
}

// Peek returns the task Dequeue would pop next without removing it.
func (q *Queue) Peek(ctx context.Context) (*models.QueuedTask, error) {
	var (
		task    models.QueuedTask
		payload string
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT id, issue_id, project_id, workspace_slug, agent_type, priority, payload, queued_at
		FROM task_queue ORDER BY priority ASC, seq ASC LIMIT 1`,
	).Scan(&task.ID, &task.IssueID, &task.ProjectID, &task.WorkspaceSlug,
		&task.AgentType, &task.Priority, &payload, &task.QueuedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("peek task: %w", err)
	}
	task.Payload = []byte(payload)
	return &task, nil
}

func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_queue").Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// List returns all waiting tasks in pop order, for status display.
func (q *Queue) List(ctx context.Context) ([]*models.QueuedTask, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, issue_id, project_id, workspace_slug, agent_type, priority, payload, queued_at
		FROM task_queue ORDER BY priority ASC, seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.QueuedTask
	for rows.Next() {
		var (
			task    models.QueuedTask
			payload string
		)
		err := rows.Scan(&task.ID, &task.IssueID, &task.ProjectID, &task.WorkspaceSlug,
			&task.AgentType, &task.Priority, &payload, &task.QueuedAt)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task.Payload = []byte(payload)
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}
