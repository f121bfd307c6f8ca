package report

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/zenova/internal/models"
	"github.com/joescharf/zenova/internal/plane"
	"github.com/joescharf/zenova/internal/session"
	"github.com/joescharf/zenova/internal/stream"
)

type fakeCommentAPI struct {
	mu      sync.Mutex
	added   []string
	updated []string
	addErr  error
	nextID  string
}

func (f *fakeCommentAPI) AddComment(_ context.Context, _, _, _, html string, _ *plane.CommentOptions) (*plane.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.added = append(f.added, html)
	id := f.nextID
	if id == "" {
		id = "comment-1"
	}
	return &plane.Comment{ID: id}, nil
}

func (f *fakeCommentAPI) UpdateComment(_ context.Context, _, _, _, _, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, html)
	return nil
}

func (f *fakeCommentAPI) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updated)
}

func (f *fakeCommentAPI) lastUpdate() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updated) == 0 {
		return ""
	}
	return f.updated[len(f.updated)-1]
}

func newTestReporter(t *testing.T, api *fakeCommentAPI) (*Reporter, session.Store, string) {
	t.Helper()
	sessions := session.NewMemoryStore()
	sess, err := sessions.Create(context.Background(), session.CreateOptions{
		IssueID:       "issue-1",
		ProjectID:     "proj-1",
		WorkspaceSlug: "acme",
		Mode:          models.ModeComment,
	})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewReporter(api, sessions, sess.ID, "acme", "proj-1", "issue-1", logger)
	r.throttle = 50 * time.Millisecond
	return r, sessions, sess.ID
}

func toolStart(name string) stream.Event {
	return stream.Event{Type: stream.EventToolStart, ToolName: name}
}

func TestPostInitialComment(t *testing.T) {
	ctx := context.Background()
	api := &fakeCommentAPI{nextID: "progress-comment"}
	r, sessions, sessionID := newTestReporter(t, api)

	r.PostInitialComment(ctx)

	require.Len(t, api.added, 1)
	assert.Contains(t, api.added[0], "Working...")

	sess, err := sessions.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "progress-comment", sess.ProgressCommentID)
}

func TestBurstCoalescesIntoOneUpdate(t *testing.T) {
	ctx := context.Background()
	api := &fakeCommentAPI{}
	r, _, _ := newTestReporter(t, api)
	r.PostInitialComment(ctx)

	// Start inside the throttle window so every event coalesces into a
	// single trailing flush.
	r.mu.Lock()
	r.lastUpdate = time.Now()
	r.mu.Unlock()

	for i := 0; i < 5; i++ {
		r.HandleEvent(ctx, toolStart("Read"))
	}

	assert.Eventually(t, func() bool { return api.updateCount() == 1 },
		time.Second, 5*time.Millisecond)
	time.Sleep(2 * r.throttle)
	assert.Equal(t, 1, api.updateCount())
	assert.Contains(t, api.lastUpdate(), "Reading files")
}

func TestDuplicateToolLabelsCollapse(t *testing.T) {
	ctx := context.Background()
	api := &fakeCommentAPI{}
	r, sessions, sessionID := newTestReporter(t, api)
	r.PostInitialComment(ctx)

	r.HandleEvent(ctx, toolStart("Read"))
	r.HandleEvent(ctx, toolStart("Read"))
	r.HandleEvent(ctx, toolStart("Read"))

	sess, err := sessions.Get(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, sess.Activities, 1)
	assert.Equal(t, "Reading files", sess.Activities[0].Label)
}

func TestNewLabelClosesPrevious(t *testing.T) {
	ctx := context.Background()
	api := &fakeCommentAPI{}
	r, sessions, sessionID := newTestReporter(t, api)
	r.PostInitialComment(ctx)

	r.HandleEvent(ctx, toolStart("Read"))
	r.HandleEvent(ctx, toolStart("Bash"))

	sess, err := sessions.Get(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, sess.Activities, 2)
	assert.True(t, sess.Activities[0].Completed)
	assert.False(t, sess.Activities[1].Completed)
}

func TestFinalizeCancelsPendingTimer(t *testing.T) {
	ctx := context.Background()
	api := &fakeCommentAPI{}
	r, sessions, sessionID := newTestReporter(t, api)
	r.PostInitialComment(ctx)

	// Arm a trailing flush, then finalize before it fires.
	r.mu.Lock()
	r.lastUpdate = time.Now()
	r.mu.Unlock()
	r.HandleEvent(ctx, toolStart("Read"))

	require.NoError(t, r.Finalize(ctx, "all done", "alice"))
	time.Sleep(2 * r.throttle)

	// The terminal render is the last write; the cancelled timer never
	// overwrites it with a stale working-state render.
	last := api.lastUpdate()
	assert.Contains(t, last, "Complete")
	assert.Contains(t, last, "all done")

	sess, err := sessions.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateComplete, sess.State)
	assert.Equal(t, "all done", sess.FinalResponse)
}

func TestFinalizeFallsBackToFreshComment(t *testing.T) {
	ctx := context.Background()
	api := &fakeCommentAPI{addErr: errors.New("plane down")}
	r, _, _ := newTestReporter(t, api)

	// Initial post failed, so there is no progress comment to update.
	r.PostInitialComment(ctx)
	require.Empty(t, api.added)

	api.mu.Lock()
	api.addErr = nil
	api.mu.Unlock()

	require.NoError(t, r.Finalize(ctx, "recovered", ""))
	assert.Zero(t, api.updateCount())
	require.Len(t, api.added, 1)
	assert.Contains(t, api.added[0], "recovered")
}

func TestFinalizeError(t *testing.T) {
	ctx := context.Background()
	api := &fakeCommentAPI{}
	r, sessions, sessionID := newTestReporter(t, api)
	r.PostInitialComment(ctx)

	r.HandleEvent(ctx, toolStart("Bash"))
	require.NoError(t, r.FinalizeError(ctx, "exit status 1"))

	last := api.lastUpdate()
	assert.Contains(t, last, "Error")
	assert.Contains(t, last, "exit status 1")

	sess, err := sessions.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateError, sess.State)
	assert.Equal(t, "exit status 1", sess.Error)
}

func TestAwaitingInput(t *testing.T) {
	ctx := context.Background()
	api := &fakeCommentAPI{}
	r, sessions, sessionID := newTestReporter(t, api)
	r.PostInitialComment(ctx)

	require.NoError(t, r.AwaitingInput(ctx, "Which branch?"))

	assert.Contains(t, api.lastUpdate(), "Needs Input")

	sess, err := sessions.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateAwaitingInput, sess.State)
}

func TestFirstTextEventRecordsAnalyzing(t *testing.T) {
	ctx := context.Background()
	api := &fakeCommentAPI{}
	r, sessions, sessionID := newTestReporter(t, api)
	r.PostInitialComment(ctx)

	r.HandleEvent(ctx, stream.Event{Type: stream.EventText, Text: "I will"})
	r.HandleEvent(ctx, stream.Event{Type: stream.EventText, Text: " start by"})

	sess, err := sessions.Get(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, sess.Activities, 1)
	assert.Equal(t, "Analyzing the request", sess.Activities[0].Label)
	assert.True(t, strings.HasPrefix(string(sess.Activities[0].Type), "text"))
}
