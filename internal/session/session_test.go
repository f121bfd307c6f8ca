package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/zenova/internal/models"
	"github.com/joescharf/zenova/internal/store"
)

// backends runs each test against both store implementations. The returned
// setNow pins the store's clock so staleness and expiry are deterministic.
type backend struct {
	name string
	open func(t *testing.T) (Store, func(time.Time))
}

func backends() []backend {
	return []backend{
		{
			name: "memory",
			open: func(t *testing.T) (Store, func(time.Time)) {
				m := NewMemoryStore()
				return m, func(tm time.Time) { m.now = func() time.Time { return tm } }
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T) (Store, func(time.Time)) {
				db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
				require.NoError(t, err)
				require.NoError(t, db.Migrate(context.Background()))
				t.Cleanup(func() { _ = db.Close() })

				s := NewSQLiteStore(db)
				return s, func(tm time.Time) { s.now = func() time.Time { return tm } }
			},
		},
	}
}

func testOpts(issueID string) CreateOptions {
	return CreateOptions{
		IssueID:       issueID,
		ProjectID:     "proj-1",
		WorkspaceSlug: "acme",
		Mode:          models.ModeComment,
		TriggeredBy:   "user-1",
	}
}

func TestCreateAcquiresLock(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := b.open(t)

			first, err := s.Create(ctx, testOpts("issue-1"))
			require.NoError(t, err)
			require.NotNil(t, first)
			assert.Equal(t, models.SessionStatePending, first.State)
			assert.NotEmpty(t, first.ID)

			// Lock held, second create is refused.
			second, err := s.Create(ctx, testOpts("issue-1"))
			require.NoError(t, err)
			assert.Nil(t, second)

			// A different issue is unaffected.
			other, err := s.Create(ctx, testOpts("issue-2"))
			require.NoError(t, err)
			require.NotNil(t, other)

			// Terminal state releases the lock.
			require.NoError(t, s.UpdateState(ctx, first.ID, models.SessionStateComplete))
			third, err := s.Create(ctx, testOpts("issue-1"))
			require.NoError(t, err)
			assert.NotNil(t, third)
		})
	}
}

func TestCreateConcurrent(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := b.open(t)

			const n = 10
			results := make([]*models.AgentSession, n)
			errs := make([]error, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i], errs[i] = s.Create(ctx, testOpts("issue-race"))
				}(i)
			}
			wg.Wait()

			for _, err := range errs {
				require.NoError(t, err)
			}

			won := 0
			for _, r := range results {
				if r != nil {
					won++
				}
			}
			assert.Equal(t, 1, won, "exactly one create should win the lock")
		})
	}
}

func TestLockExpiryAllowsTakeover(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s, setNow := b.open(t)

			t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			setNow(t0)

			first, err := s.Create(ctx, testOpts("issue-1"))
			require.NoError(t, err)
			require.NotNil(t, first)

			// Still locked just before expiry.
			setNow(t0.Add(LockExpiry - time.Second))
			blocked, err := s.Create(ctx, testOpts("issue-1"))
			require.NoError(t, err)
			assert.Nil(t, blocked)

			// Expired lock can be taken over even though the old session
			// never reached a terminal state.
			setNow(t0.Add(LockExpiry + time.Second))
			takeover, err := s.Create(ctx, testOpts("issue-1"))
			require.NoError(t, err)
			assert.NotNil(t, takeover)
		})
	}
}

func TestGetRoundTrip(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := b.open(t)

			created, err := s.Create(ctx, testOpts("issue-1"))
			require.NoError(t, err)

			require.NoError(t, s.AddActivity(ctx, created.ID, models.AgentActivity{
				Type:      models.ActivityToolStart,
				Label:     "Reading files",
				Detail:    "main.go",
				Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			}))
			require.NoError(t, s.SetProgressCommentID(ctx, created.ID, "comment-9"))
			require.NoError(t, s.SetFinalResponse(ctx, created.ID, "done"))

			got, err := s.Get(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, created.ID, got.ID)
			assert.Equal(t, "issue-1", got.IssueID)
			assert.Equal(t, "proj-1", got.ProjectID)
			assert.Equal(t, "acme", got.WorkspaceSlug)
			assert.Equal(t, models.ModeComment, got.Mode)
			assert.Equal(t, "comment-9", got.ProgressCommentID)
			assert.Equal(t, "done", got.FinalResponse)
			require.Len(t, got.Activities, 1)
			assert.Equal(t, "Reading files", got.Activities[0].Label)
			assert.Equal(t, "main.go", got.Activities[0].Detail)

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAddActivityTransitionsToActive(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := b.open(t)

			sess, err := s.Create(ctx, testOpts("issue-1"))
			require.NoError(t, err)
			assert.Equal(t, models.SessionStatePending, sess.State)

			// A system activity does not start the session.
			require.NoError(t, s.AddActivity(ctx, sess.ID, models.AgentActivity{
				Type: models.ActivitySystem, Label: "Starting",
			}))
			got, err := s.Get(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, models.SessionStatePending, got.State)

			require.NoError(t, s.AddActivity(ctx, sess.ID, models.AgentActivity{
				Type: models.ActivityToolStart, Label: "Running commands",
			}))
			got, err = s.Get(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, models.SessionStateActive, got.State)
		})
	}
}

func TestMarkActivityComplete(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := b.open(t)

			sess, err := s.Create(ctx, testOpts("issue-1"))
			require.NoError(t, err)

			for _, label := range []string{"Reading files", "Running commands", "Reading files"} {
				require.NoError(t, s.AddActivity(ctx, sess.ID, models.AgentActivity{
					Type: models.ActivityToolStart, Label: label,
				}))
			}

			// The most recent matching activity completes first.
			require.NoError(t, s.MarkActivityComplete(ctx, sess.ID, "Reading files"))
			got, err := s.Get(ctx, sess.ID)
			require.NoError(t, err)
			assert.False(t, got.Activities[0].Completed)
			assert.True(t, got.Activities[2].Completed)

			require.NoError(t, s.MarkActivityComplete(ctx, sess.ID, "Reading files"))
			got, err = s.Get(ctx, sess.ID)
			require.NoError(t, err)
			assert.True(t, got.Activities[0].Completed)
		})
	}
}

func TestActiveForIssue(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := b.open(t)

			none, err := s.ActiveForIssue(ctx, "issue-1")
			require.NoError(t, err)
			assert.Nil(t, none)

			sess, err := s.Create(ctx, testOpts("issue-1"))
			require.NoError(t, err)

			active, err := s.ActiveForIssue(ctx, "issue-1")
			require.NoError(t, err)
			require.NotNil(t, active)
			assert.Equal(t, sess.ID, active.ID)

			require.NoError(t, s.UpdateState(ctx, sess.ID, models.SessionStateComplete))
			none, err = s.ActiveForIssue(ctx, "issue-1")
			require.NoError(t, err)
			assert.Nil(t, none)
		})
	}
}

func TestAwaitingForIssue(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := b.open(t)

			sess, err := s.Create(ctx, testOpts("issue-1"))
			require.NoError(t, err)

			none, err := s.AwaitingForIssue(ctx, "issue-1")
			require.NoError(t, err)
			assert.Nil(t, none)

			require.NoError(t, s.UpdateState(ctx, sess.ID, models.SessionStateAwaitingInput))
			waiting, err := s.AwaitingForIssue(ctx, "issue-1")
			require.NoError(t, err)
			require.NotNil(t, waiting)
			assert.Equal(t, sess.ID, waiting.ID)
		})
	}
}

func TestReapStale(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s, setNow := b.open(t)

			t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			setNow(t0)

			sess, err := s.Create(ctx, testOpts("issue-1"))
			require.NoError(t, err)
			require.NoError(t, s.UpdateState(ctx, sess.ID, models.SessionStateActive))

			// Under the threshold nothing happens.
			setNow(t0.Add(StaleThreshold - time.Minute))
			n, err := s.ReapStale(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			setNow(t0.Add(StaleThreshold + time.Minute))
			n, err = s.ReapStale(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err := s.Get(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, models.SessionStateError, got.State)
			assert.Equal(t, staleMessage, got.Error)

			// Reaping released the issue lock.
			next, err := s.Create(ctx, testOpts("issue-1"))
			require.NoError(t, err)
			assert.NotNil(t, next)
		})
	}
}

func TestReapPurgesOldTerminalSessions(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s, setNow := b.open(t)

			t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			setNow(t0)

			sess, err := s.Create(ctx, testOpts("issue-1"))
			require.NoError(t, err)
			require.NoError(t, s.UpdateState(ctx, sess.ID, models.SessionStateComplete))

			setNow(t0.Add(TerminalRetention - time.Hour))
			_, err = s.ReapStale(ctx)
			require.NoError(t, err)
			_, err = s.Get(ctx, sess.ID)
			require.NoError(t, err)

			setNow(t0.Add(TerminalRetention + time.Hour))
			_, err = s.ReapStale(ctx)
			require.NoError(t, err)
			_, err = s.Get(ctx, sess.ID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestByIssueNewestFirst(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := b.open(t)

			var ids []string
			for i := 0; i < 3; i++ {
				sess, err := s.Create(ctx, testOpts("issue-1"))
				require.NoError(t, err)
				require.NotNil(t, sess)
				ids = append(ids, sess.ID)
				require.NoError(t, s.UpdateState(ctx, sess.ID, models.SessionStateComplete))
			}

			got, err := s.ByIssue(ctx, "issue-1")
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, ids[2], got[0].ID)
			assert.Equal(t, ids[0], got[2].ID)
		})
	}
}
