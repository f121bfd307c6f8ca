package runner

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/zenova/internal/models"
	"github.com/joescharf/zenova/internal/plane"
	"github.com/joescharf/zenova/internal/session"
	"github.com/joescharf/zenova/internal/settings"
	"github.com/joescharf/zenova/internal/store"
	"github.com/joescharf/zenova/internal/worker"
)

// scriptedRuntime hands every worker a canned NDJSON stream.
type scriptedRuntime struct {
	output string
}

func (r *scriptedRuntime) Available(context.Context) bool { return true }

func (r *scriptedRuntime) Start(_ context.Context, spec worker.StartSpec) (worker.Handle, error) {
	return &scriptedHandle{id: "worker-" + spec.TaskID, stdout: strings.NewReader(r.output)}, nil
}

type scriptedHandle struct {
	id     string
	stdout io.Reader
}

func (h *scriptedHandle) ID() string                   { return h.id }
func (h *scriptedHandle) Stdout() io.Reader            { return h.stdout }
func (h *scriptedHandle) Wait() error                  { return nil }
func (h *scriptedHandle) Stop(context.Context) error   { return nil }
func (h *scriptedHandle) Remove(context.Context) error { return nil }

type recordingPlane struct {
	mu      sync.Mutex
	added   []string
	updated []string
}

func (p *recordingPlane) GetIssue(context.Context, string, string, string) (*plane.Issue, error) {
	return &plane.Issue{ID: "i1", Name: "Fix login"}, nil
}

func (p *recordingPlane) AddComment(_ context.Context, _, _, _, html string, _ *plane.CommentOptions) (*plane.Comment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, html)
	return &plane.Comment{ID: "c1"}, nil
}

func (p *recordingPlane) UpdateComment(_ context.Context, _, _, _, _, html string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updated = append(p.updated, html)
	return nil
}

func (p *recordingPlane) last() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.updated) > 0 {
		return p.updated[len(p.updated)-1]
	}
	if len(p.added) > 0 {
		return p.added[len(p.added)-1]
	}
	return ""
}

func newTestRunner(t *testing.T, output string) (*Runner, session.Store, *recordingPlane) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.NewMemoryStore()
	api := &recordingPlane{}
	workers := worker.NewManager(&scriptedRuntime{output: output}, logger)
	r := New(sessions, api, workers, settings.New(db), "claude-sonnet-4-5", logger)
	return r, sessions, api
}

func runnerTask(id string) *models.QueuedTask {
	return &models.QueuedTask{
		ID:            id,
		IssueID:       "issue-1",
		ProjectID:     "proj-1",
		WorkspaceSlug: "acme",
		AgentType:     "claude",
		Payload:       []byte(`{"name":"Fix login"}`),
	}
}

func runnerAgent() models.AgentDefinition {
	return models.AgentDefinition{Name: "claude", Image: "zenova/claude-agent:latest", TimeoutSeconds: 60}
}

func TestRunCompletesSession(t *testing.T) {
	ctx := context.Background()
	output := `{"type":"content_block_start","content_block":{"type":"tool_use","name":"Read","id":"t1"}}` + "\n" +
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Fixed the bug."}}` + "\n" +
		`{"type":"result","result":"Fixed the bug."}` + "\n"
	r, sessions, api := newTestRunner(t, output)

	err := r.Run(ctx, runnerAgent(), runnerTask("t1"), RunOptions{
		Mode:        models.ModeAutonomous,
		TriggeredBy: "user-1",
		ActorName:   "alice",
	})
	require.NoError(t, err)

	sess, err := sessions.ActiveForIssue(ctx, "issue-1")
	require.NoError(t, err)
	assert.Nil(t, sess, "session should be terminal")

	byIssue, err := sessions.ByIssue(ctx, "issue-1")
	require.NoError(t, err)
	require.Len(t, byIssue, 1)
	assert.Equal(t, models.SessionStateComplete, byIssue[0].State)
	assert.Equal(t, "Fixed the bug.", byIssue[0].FinalResponse)

	assert.Contains(t, api.last(), "Fixed the bug.")
	assert.Contains(t, api.last(), "requested by alice")
}

func TestRunBusyIssue(t *testing.T) {
	ctx := context.Background()
	r, sessions, _ := newTestRunner(t, "")

	existing, err := sessions.Create(ctx, session.CreateOptions{
		IssueID: "issue-1", ProjectID: "proj-1", WorkspaceSlug: "acme", Mode: models.ModeComment,
	})
	require.NoError(t, err)
	require.NotNil(t, existing)

	err = r.Run(ctx, runnerAgent(), runnerTask("t2"), RunOptions{Mode: models.ModeComment})
	assert.ErrorIs(t, err, ErrSessionBusy)
}

func TestRunEmptyOutputIsError(t *testing.T) {
	ctx := context.Background()
	r, sessions, api := newTestRunner(t, "")

	err := r.Run(ctx, runnerAgent(), runnerTask("t1"), RunOptions{Mode: models.ModeAutonomous})
	require.NoError(t, err)

	byIssue, err := sessions.ByIssue(ctx, "issue-1")
	require.NoError(t, err)
	require.Len(t, byIssue, 1)
	assert.Equal(t, models.SessionStateError, byIssue[0].State)
	assert.Contains(t, api.last(), "Error")
}

func TestRunQuestionParksSession(t *testing.T) {
	ctx := context.Background()
	output := `{"type":"content_block_delta","delta":{"type":"text_delta","text":"Which branch should I target?"}}` + "\n"
	r, sessions, api := newTestRunner(t, output)

	err := r.Run(ctx, runnerAgent(), runnerTask("t1"), RunOptions{Mode: models.ModeComment})
	require.NoError(t, err)

	waiting, err := sessions.AwaitingForIssue(ctx, "issue-1")
	require.NoError(t, err)
	require.NotNil(t, waiting)
	assert.Contains(t, api.last(), "Needs Input")
}

func TestRunFollowUpResumesSession(t *testing.T) {
	ctx := context.Background()
	output := `{"type":"content_block_delta","delta":{"type":"text_delta","text":"Done, targeted main."}}` + "\n"
	r, sessions, _ := newTestRunner(t, output)

	sess, err := sessions.Create(ctx, session.CreateOptions{
		IssueID: "issue-1", ProjectID: "proj-1", WorkspaceSlug: "acme", Mode: models.ModeComment,
	})
	require.NoError(t, err)
	require.NoError(t, sessions.UpdateState(ctx, sess.ID, models.SessionStateAwaitingInput))

	err = r.Run(ctx, runnerAgent(), runnerTask("t2"), RunOptions{
		Mode:              models.ModeComment,
		FollowUpSessionID: sess.ID,
		Prompt:            "target main",
	})
	require.NoError(t, err)

	got, err := sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateComplete, got.State)
	assert.Equal(t, "Done, targeted main.", got.FinalResponse)
}

func TestRunCommentTriggerLinksPriorSession(t *testing.T) {
	ctx := context.Background()
	output := `{"type":"content_block_delta","delta":{"type":"text_delta","text":"Done."}}` + "\n"
	r, sessions, _ := newTestRunner(t, output)

	err := r.Run(ctx, runnerAgent(), runnerTask("t1"), RunOptions{Mode: models.ModeAutonomous})
	require.NoError(t, err)

	first, err := sessions.ByIssue(ctx, "issue-1")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Empty(t, first[0].ParentSessionID)

	err = r.Run(ctx, runnerAgent(), runnerTask("t2"), RunOptions{
		Mode:             models.ModeAutonomous,
		TriggerCommentID: "c-2",
	})
	require.NoError(t, err)

	all, err := sessions.ByIssue(ctx, "issue-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first[0].ID, all[0].ParentSessionID)
}
