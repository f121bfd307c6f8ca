package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/zenova/internal/models"
	"github.com/joescharf/zenova/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func testTask(id string, priority int) *models.QueuedTask {
	return &models.QueuedTask{
		ID:            id,
		IssueID:       "issue-" + id,
		ProjectID:     "proj-1",
		WorkspaceSlug: "acme",
		AgentType:     "claude",
		Priority:      priority,
		Payload:       json.RawMessage(`{"prompt":"fix it"}`),
		QueuedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDequeuePriorityOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, testTask("medium", 2)))
	require.NoError(t, q.Enqueue(ctx, testTask("urgent", 0)))
	require.NoError(t, q.Enqueue(ctx, testTask("high", 1)))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	var got []string
	for i := 0; i < 3; i++ {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		got = append(got, task.ID)
	}
	assert.Equal(t, []string{"urgent", "high", "medium"}, got)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestDequeueFIFOWithinPriority(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, testTask("first", 2)))
	require.NoError(t, q.Enqueue(ctx, testTask("second", 2)))
	require.NoError(t, q.Enqueue(ctx, testTask("third", 2)))

	for _, want := range []string{"first", "second", "third"} {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, task.ID)
	}
}

func TestDequeueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, testTask("a", 1)))

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "issue-a", task.IssueID)
	assert.Equal(t, "acme", task.WorkspaceSlug)
	assert.Equal(t, "claude", task.AgentType)
	assert.Equal(t, 1, task.Priority)
	assert.JSONEq(t, `{"prompt":"fix it"}`, string(task.Payload))
}

func TestPeekDoesNotRemove(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Peek(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, q.Enqueue(ctx, testTask("a", 0)))

	peeked, err := q.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", peeked.ID)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, testTask("low", 3)))
	require.NoError(t, q.Enqueue(ctx, testTask("urgent", 0)))

	tasks, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "urgent", tasks[0].ID)
	assert.Equal(t, "low", tasks[1].ID)
}
