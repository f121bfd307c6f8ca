package report

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/joescharf/zenova/internal/models"
	"github.com/joescharf/zenova/internal/plane"
	"github.com/joescharf/zenova/internal/session"
	"github.com/joescharf/zenova/internal/stream"
)

// ThrottleInterval caps outbound comment edits to one per window; events
// arriving inside the window coalesce into a single trailing update.
const ThrottleInterval = 7 * time.Second

// ExternalSource tags every comment this service posts, so its own
// webhook deliveries can be recognized and skipped.
const ExternalSource = "zenova-agent"

// CommentAPI is the slice of the Plane client the reporter needs.
type CommentAPI interface {
	AddComment(ctx context.Context, workspaceSlug, projectID, issueID, html string, opts *plane.CommentOptions) (*plane.Comment, error)
	UpdateComment(ctx context.Context, workspaceSlug, projectID, issueID, commentID, html string) error
}

// Reporter tracks one session's activity log and mirrors it into a
// single progress comment on the issue. One Reporter per session; the
// activity log and throttle timer are private to it.
type Reporter struct {
	plane     CommentAPI
	sessions  session.Store
	sessionID string
	workspace string
	projectID string
	issueID   string
	logger    *slog.Logger

	mu                sync.Mutex
	progressCommentID string
	activities        []models.AgentActivity
	currentLabel      string
	lastUpdate        time.Time
	pending           bool
	timer             *time.Timer
	finalized         bool

	throttle time.Duration
	now      func() time.Time
}

func NewReporter(api CommentAPI, sessions session.Store, sessionID, workspace, projectID, issueID string, logger *slog.Logger) *Reporter {
	return &Reporter{
		plane:     api,
		sessions:  sessions,
		sessionID: sessionID,
		workspace: workspace,
		projectID: projectID,
		issueID:   issueID,
		logger:    logger,
		throttle:  ThrottleInterval,
		now:       time.Now,
	}
}

// PostInitialComment posts the placeholder status comment and records
// its id on the session. Failure is not fatal: without a progress
// comment the terminal render falls back to posting a fresh comment.
func (r *Reporter) PostInitialComment(ctx context.Context) {
	comment, err := r.plane.AddComment(ctx, r.workspace, r.projectID, r.issueID,
		FormatThinkingComment(),
		&plane.CommentOptions{ExternalSource: ExternalSource, ExternalID: "progress-" + r.sessionID})
	if err != nil {
		r.logger.Error("failed to post progress comment", "session", r.sessionID, "error", err)
		return
	}

	r.mu.Lock()
	r.progressCommentID = comment.ID
	r.mu.Unlock()

	if err := r.sessions.SetProgressCommentID(ctx, r.sessionID, comment.ID); err != nil {
		r.logger.Error("failed to record progress comment id", "session", r.sessionID, "error", err)
	}
}

// HandleEvent folds one parsed stream event into the activity log and
// schedules a throttled comment update. Consecutive events for the same
// tool label collapse into one activity; a new distinct label closes the
// previous one.
func (r *Reporter) HandleEvent(ctx context.Context, ev stream.Event) {
	switch ev.Type {
	case stream.EventToolStart:
		name := ev.ToolName
		if name == "" {
			name = "unknown"
		}
		label := stream.ToolDisplayName(name)

		r.mu.Lock()
		if r.currentLabel != "" && r.currentLabel != label {
			r.markCurrentCompleteLocked(ctx)
		}
		if !r.hasOpenActivityLocked(label) {
			activity := models.AgentActivity{
				Type:      models.ActivityToolStart,
				Label:     label,
				Detail:    name,
				Timestamp: r.now(),
			}
			r.activities = append(r.activities, activity)
			r.addSessionActivity(ctx, activity)
		}
		r.currentLabel = label
		r.scheduleUpdateLocked()
		r.mu.Unlock()

	case stream.EventToolResult:
		r.mu.Lock()
		r.markCurrentCompleteLocked(ctx)
		r.scheduleUpdateLocked()
		r.mu.Unlock()

	case stream.EventText:
		r.mu.Lock()
		if len(r.activities) == 0 {
			activity := models.AgentActivity{
				Type:      models.ActivityText,
				Label:     "Analyzing the request",
				Timestamp: r.now(),
				Completed: true,
			}
			r.activities = append(r.activities, activity)
			r.addSessionActivity(ctx, activity)
			r.scheduleUpdateLocked()
		}
		r.mu.Unlock()

	case stream.EventError:
		r.mu.Lock()
		activity := models.AgentActivity{
			Type:      models.ActivityError,
			Label:     "Error encountered",
			Detail:    ev.Text,
			Timestamp: r.now(),
		}
		r.activities = append(r.activities, activity)
		r.addSessionActivity(ctx, activity)
		r.scheduleUpdateLocked()
		r.mu.Unlock()
	}
}

// Finalize cancels any pending throttle flush, marks every activity
// complete, and rewrites the progress comment as the combined terminal
// render. The cancel must happen before the write or a delayed flush
// could overwrite the terminal content with a stale working render.
func (r *Reporter) Finalize(ctx context.Context, response, actor string) error {
	r.mu.Lock()
	r.clearThrottleLocked()
	r.finalized = true
	for i := range r.activities {
		r.activities[i].Completed = true
	}
	activities := cloneActivities(r.activities)
	commentID := r.progressCommentID
	r.mu.Unlock()

	html := FormatFinalCombinedComment(activities, response, actor)
	r.writeTerminal(ctx, commentID, html, "response-"+r.sessionID)

	if err := r.sessions.SetFinalResponse(ctx, r.sessionID, response); err != nil {
		return err
	}
	return r.sessions.UpdateState(ctx, r.sessionID, models.SessionStateComplete)
}

// FinalizeError mirrors Finalize for a failed run.
func (r *Reporter) FinalizeError(ctx context.Context, errText string) error {
	r.mu.Lock()
	r.clearThrottleLocked()
	r.finalized = true
	activities := cloneActivities(r.activities)
	commentID := r.progressCommentID
	r.mu.Unlock()

	html := FormatErrorCombinedComment(activities, errText)
	r.writeTerminal(ctx, commentID, html, "error-"+r.sessionID)

	return r.sessions.SetError(ctx, r.sessionID, errText)
}

// AwaitingInput posts the agent's question and parks the session until
// a follow-up comment arrives.
func (r *Reporter) AwaitingInput(ctx context.Context, question string) error {
	r.mu.Lock()
	r.clearThrottleLocked()
	commentID := r.progressCommentID
	r.mu.Unlock()

	html := FormatAwaitingInput(question)
	r.writeTerminal(ctx, commentID, html, "question-"+r.sessionID)

	return r.sessions.UpdateState(ctx, r.sessionID, models.SessionStateAwaitingInput)
}

func (r *Reporter) writeTerminal(ctx context.Context, commentID, html, externalID string) {
	if commentID != "" {
		err := r.plane.UpdateComment(ctx, r.workspace, r.projectID, r.issueID, commentID, html)
		if err == nil {
			return
		}
		r.logger.Error("failed to update progress comment", "session", r.sessionID, "error", err)
	}
	_, err := r.plane.AddComment(ctx, r.workspace, r.projectID, r.issueID, html,
		&plane.CommentOptions{ExternalSource: ExternalSource, ExternalID: externalID})
	if err != nil {
		r.logger.Error("failed to post terminal comment", "session", r.sessionID, "error", err)
	}
}

func (r *Reporter) hasOpenActivityLocked(label string) bool {
	for _, a := range r.activities {
		if a.Label == label && !a.Completed {
			return true
		}
	}
	return false
}

func (r *Reporter) markCurrentCompleteLocked(ctx context.Context) {
	if r.currentLabel == "" {
		return
	}
	for i := range r.activities {
		if r.activities[i].Label == r.currentLabel && !r.activities[i].Completed {
			r.activities[i].Completed = true
			if err := r.sessions.MarkActivityComplete(ctx, r.sessionID, r.currentLabel); err != nil {
				r.logger.Error("failed to mark activity complete", "session", r.sessionID, "error", err)
			}
			break
		}
	}
	r.currentLabel = ""
}

func (r *Reporter) addSessionActivity(ctx context.Context, activity models.AgentActivity) {
	if err := r.sessions.AddActivity(ctx, r.sessionID, activity); err != nil {
		r.logger.Error("failed to record activity", "session", r.sessionID, "error", err)
	}
}

// scheduleUpdateLocked flushes immediately when the window has elapsed,
// otherwise arms at most one trailing timer.
func (r *Reporter) scheduleUpdateLocked() {
	elapsed := r.now().Sub(r.lastUpdate)
	if elapsed >= r.throttle {
		r.flushLocked()
		return
	}
	if r.pending {
		return
	}
	r.pending = true
	r.timer = time.AfterFunc(r.throttle-elapsed, func() {
		r.mu.Lock()
		if !r.pending || r.finalized {
			r.mu.Unlock()
			return
		}
		r.pending = false
		r.flushLocked()
		r.mu.Unlock()
	})
}

func (r *Reporter) flushLocked() {
	r.lastUpdate = r.now()
	if r.progressCommentID == "" {
		return
	}
	html := FormatProgressComment(cloneActivities(r.activities), StatusWorking)

	commentID := r.progressCommentID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := r.plane.UpdateComment(ctx, r.workspace, r.projectID, r.issueID, commentID, html)
		if err != nil {
			r.logger.Error("failed to update progress", "session", r.sessionID, "error", err)
		}
	}()
}

func (r *Reporter) clearThrottleLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.pending = false
}

func cloneActivities(activities []models.AgentActivity) []models.AgentActivity {
	out := make([]models.AgentActivity, len(activities))
	copy(out, activities)
	return out
}
