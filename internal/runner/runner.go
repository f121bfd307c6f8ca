// Package runner composes a full agent run: session acquisition,
// progress reporting, worker execution, and stream parsing.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/joescharf/zenova/internal/models"
	"github.com/joescharf/zenova/internal/plane"
	"github.com/joescharf/zenova/internal/report"
	"github.com/joescharf/zenova/internal/session"
	"github.com/joescharf/zenova/internal/settings"
	"github.com/joescharf/zenova/internal/stream"
	"github.com/joescharf/zenova/internal/worker"
)

// ErrSessionBusy means another session holds the issue lock; the caller
// should drop the trigger rather than queue it.
var ErrSessionBusy = errors.New("another session is active for this issue")

// PlaneAPI is the slice of the Plane client a run needs.
type PlaneAPI interface {
	GetIssue(ctx context.Context, workspaceSlug, projectID, issueID string) (*plane.Issue, error)
	AddComment(ctx context.Context, workspaceSlug, projectID, issueID, html string, opts *plane.CommentOptions) (*plane.Comment, error)
	UpdateComment(ctx context.Context, workspaceSlug, projectID, issueID, commentID, html string) error
}

// RunOptions carries the trigger context for one run.
type RunOptions struct {
	Mode             models.SessionMode
	TriggeredBy      string
	ActorName        string
	TriggerCommentID string
	// FollowUpSessionID resumes an awaiting_input session instead of
	// creating a new one.
	FollowUpSessionID string
	// Prompt is the user's request text, passed to the worker.
	Prompt string
}

type Runner struct {
	sessions session.Store
	plane    PlaneAPI
	workers  *worker.Manager
	settings *settings.Store
	model    string
	logger   *slog.Logger
}

func New(sessions session.Store, planeAPI PlaneAPI, workers *worker.Manager, settingsStore *settings.Store, model string, logger *slog.Logger) *Runner {
	return &Runner{
		sessions: sessions,
		plane:    planeAPI,
		workers:  workers,
		settings: settingsStore,
		model:    model,
		logger:   logger,
	}
}

// Run executes one agent task end to end. It blocks until the run
// reaches a terminal state, so callers dispatch it on its own goroutine.
func (r *Runner) Run(ctx context.Context, agent models.AgentDefinition, task *models.QueuedTask, opts RunOptions) error {
	sess, err := r.acquireSession(ctx, task, opts)
	if err != nil {
		return err
	}

	reporter := report.NewReporter(r.plane, r.sessions, sess.ID,
		task.WorkspaceSlug, task.ProjectID, task.IssueID, r.logger)
	reporter.PostInitialComment(ctx)

	secrets, err := r.settings.BuildSecrets(ctx, task.WorkspaceSlug, task.ProjectID)
	if err != nil {
		r.logger.Error("failed to build worker secrets", "session", sess.ID, "error", err)
		return reporter.FinalizeError(ctx, "could not assemble worker credentials")
	}

	// No container runtime and no command to exec: answer inline with
	// the SDK instead of failing the run.
	if !r.workers.Available(ctx) && len(agent.Command) == 0 {
		r.logger.Info("worker runtime unavailable, running inline", "session", sess.ID)
		return r.runInline(ctx, task, secrets, reporter, opts)
	}

	env := worker.TaskEnv(agent, task, secrets)
	if opts.Prompt != "" {
		env["USER_PROMPT"] = opts.Prompt
	}

	handle, err := r.workers.Start(ctx, agent, task, env)
	if err != nil {
		r.logger.Error("failed to start worker", "session", sess.ID, "error", err)
		return reporter.FinalizeError(ctx, "failed to start agent worker: "+err.Error())
	}

	parser := stream.NewParser()
	sawError := false
	if err := parser.Run(handle.Stdout(), func(ev stream.Event) {
		if ev.Type == stream.EventError {
			sawError = true
		}
		reporter.HandleEvent(ctx, ev)
	}); err != nil {
		r.logger.Warn("worker stream ended with read error", "session", sess.ID, "error", err)
	}

	full := strings.TrimSpace(parser.FullText())
	switch {
	case full == "":
		msg := "agent produced no output"
		if sawError {
			msg = "agent stopped with an error before producing output"
		}
		return reporter.FinalizeError(ctx, msg)

	case opts.Mode == models.ModeComment && strings.HasSuffix(full, "?"):
		// The agent ended on a question: park the session for a reply.
		return reporter.AwaitingInput(ctx, full)

	default:
		return reporter.Finalize(ctx, full, opts.ActorName)
	}
}

func (r *Runner) acquireSession(ctx context.Context, task *models.QueuedTask, opts RunOptions) (*models.AgentSession, error) {
	if opts.FollowUpSessionID != "" {
		sess, err := r.sessions.Get(ctx, opts.FollowUpSessionID)
		if err != nil {
			return nil, err
		}
		if err := r.sessions.UpdateState(ctx, sess.ID, models.SessionStateActive); err != nil {
			return nil, err
		}
		r.logger.Info("resuming session for follow-up", "session", sess.ID, "issue", task.IssueID)
		return sess, nil
	}

	// A comment-triggered run on an issue with an earlier session is a
	// conversational continuation; link the new session to the latest one.
	parentID := ""
	if opts.TriggerCommentID != "" {
		if prior, err := r.sessions.ByIssue(ctx, task.IssueID); err == nil && len(prior) > 0 {
			parentID = prior[0].ID
		}
	}

	sess, err := r.sessions.Create(ctx, session.CreateOptions{
		IssueID:          task.IssueID,
		ProjectID:        task.ProjectID,
		WorkspaceSlug:    task.WorkspaceSlug,
		Mode:             opts.Mode,
		TriggeredBy:      opts.TriggeredBy,
		TriggerCommentID: opts.TriggerCommentID,
		ParentSessionID:  parentID,
	})
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionBusy
	}
	r.logger.Info("session created", "session", sess.ID, "issue", task.IssueID, "mode", opts.Mode)
	return sess, nil
}
