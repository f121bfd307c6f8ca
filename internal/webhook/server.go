// Package webhook is the HTTP surface of the service: signed webhook
// ingestion, the session read API, workspace setup, and admin settings.
package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/zenova/internal/dispatch"
	"github.com/joescharf/zenova/internal/models"
	"github.com/joescharf/zenova/internal/plane"
	"github.com/joescharf/zenova/internal/queue"
	"github.com/joescharf/zenova/internal/report"
	"github.com/joescharf/zenova/internal/runner"
	"github.com/joescharf/zenova/internal/session"
	"github.com/joescharf/zenova/internal/settings"
	"github.com/joescharf/zenova/internal/store"
	"github.com/joescharf/zenova/internal/worker"
)

const (
	mentionTag    = "@claude"
	maxBodySize   = 1 << 20
	streamPoll    = 2 * time.Second
	streamTimeout = 10 * time.Minute
)

var mentionRe = regexp.MustCompile(`(?i)@claude\b`)

// AgentRunner executes one agent task end to end. Satisfied by
// *runner.Runner.
type AgentRunner interface {
	Run(ctx context.Context, agent models.AgentDefinition, task *models.QueuedTask, opts runner.RunOptions) error
}

// PlaneAPI is the slice of the Plane client the webhook handlers need.
type PlaneAPI interface {
	GetIssue(ctx context.Context, workspaceSlug, projectID, issueID string) (*plane.Issue, error)
	AddComment(ctx context.Context, workspaceSlug, projectID, issueID, html string, opts *plane.CommentOptions) (*plane.Comment, error)
}

// SetupAPI is the Plane surface the bootstrap flow exercises with the
// caller-supplied credentials.
type SetupAPI interface {
	GetWorkspaceMembers(ctx context.Context, workspaceSlug string) ([]plane.Member, error)
	RegisterWebhook(ctx context.Context, workspaceSlug, url, secret string) (*plane.Webhook, error)
}

// Config wires the server's collaborators and static settings.
type Config struct {
	Sessions   session.Store
	Queue      *queue.Queue
	Workers    *worker.Manager
	Runner     AgentRunner
	Dispatcher *dispatch.Dispatcher
	Settings   *settings.Store
	Plane      PlaneAPI
	DB         *store.DB
	Agents     []models.AgentDefinition

	WorkspaceSlug string
	WebhookSecret string
	BotUserID     string

	Logger *slog.Logger
}

type Server struct {
	sessions   session.Store
	queue      *queue.Queue
	workers    *worker.Manager
	runner     AgentRunner
	dispatcher *dispatch.Dispatcher
	classifier dispatch.Classifier
	settings   *settings.Store
	plane      PlaneAPI
	dedup      *Deduper
	norm       *Normalizer
	logger     *slog.Logger

	agents       map[string]models.AgentDefinition
	commentAgent models.AgentDefinition

	// Defaults from startup config; stored settings override them and
	// are reloaded after every settings save.
	cfgSecret string
	cfgBotID  string

	mu        sync.RWMutex
	secret    string
	botUserID string

	newSetupClient func(baseURL, apiToken string) SetupAPI
}

func NewServer(cfg Config) *Server {
	s := &Server{
		sessions:   cfg.Sessions,
		queue:      cfg.Queue,
		workers:    cfg.Workers,
		runner:     cfg.Runner,
		dispatcher: cfg.Dispatcher,
		classifier: dispatch.KeywordClassifier{},
		settings:   cfg.Settings,
		plane:      cfg.Plane,
		dedup:      NewDeduper(cfg.DB),
		norm:       NewNormalizer(cfg.WorkspaceSlug),
		logger:     cfg.Logger,
		agents:     make(map[string]models.AgentDefinition),
		cfgSecret:  cfg.WebhookSecret,
		cfgBotID:   cfg.BotUserID,
		secret:     cfg.WebhookSecret,
		botUserID:  cfg.BotUserID,
		newSetupClient: func(baseURL, apiToken string) SetupAPI {
			return plane.NewClient(baseURL, apiToken)
		},
	}
	for _, a := range cfg.Agents {
		s.agents[strings.ToLower(a.Name)] = a
	}
	s.commentAgent = pickCommentAgent(cfg.Agents)
	s.reloadConfig(context.Background())

	// Freed worker capacity pulls the next queued task.
	s.workers.SetOnExit(func(taskID, agentType string) {
		s.drainQueue()
	})
	return s
}

// pickCommentAgent chooses the agent that answers conversational
// triggers: the one named claude if configured, otherwise the first.
func pickCommentAgent(agents []models.AgentDefinition) models.AgentDefinition {
	for _, a := range agents {
		if strings.EqualFold(a.Name, "claude") {
			return a
		}
	}
	if len(agents) > 0 {
		return agents[0]
	}
	return models.AgentDefinition{Name: "claude"}
}

// reloadConfig re-reads the webhook secret and bot user id from stored
// settings, falling back to the startup values.
func (s *Server) reloadConfig(ctx context.Context) {
	secret := s.cfgSecret
	if v, err := s.settings.Get(ctx, settings.DefaultWorkspace, "WEBHOOK_SECRET"); err == nil && v != "" {
		secret = v
	}
	botID := s.cfgBotID
	if v, err := s.settings.Get(ctx, settings.DefaultWorkspace, "BOT_USER_ID"); err == nil && v != "" {
		botID = v
	}

	s.mu.Lock()
	s.secret = secret
	s.botUserID = botID
	s.mu.Unlock()
}

func (s *Server) currentSecret() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secret
}

func (s *Server) currentBotID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.botUserID
}

// Router returns the http.Handler for all routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /status", s.status)

	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.getSession)
	mux.HandleFunc("GET /api/sessions/{id}/stream", s.streamSession)

	mux.HandleFunc("POST /setup", s.setup)

	mux.HandleFunc("GET /admin/api/settings", s.getSettings)
	mux.HandleFunc("POST /admin/api/settings", s.saveSettings)
	mux.HandleFunc("GET /admin/api/settings/{workspace}", s.getSettings)
	mux.HandleFunc("POST /admin/api/settings/{workspace}", s.saveSettings)

	mux.HandleFunc("POST /webhooks/plane", s.handleWebhook)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Health & status ---

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type sessionSummary struct {
	ID          string `json:"id"`
	IssueID     string `json:"issueId"`
	State       string `json:"state"`
	Mode        string `json:"mode"`
	TriggeredBy string `json:"triggeredBy"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.logger.Warn("queue depth unavailable", "error", err)
	}
	summaries := []sessionSummary{}
	if active, err := s.sessions.Active(r.Context()); err != nil {
		s.logger.Warn("session data unavailable", "error", err)
	} else {
		for _, sess := range active {
			summaries = append(summaries, sessionSummary{
				ID:          sess.ID,
				IssueID:     sess.IssueID,
				State:       string(sess.State),
				Mode:        string(sess.Mode),
				TriggeredBy: sess.TriggeredBy,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running":        s.workers.Running(),
		"queueDepth":     depth,
		"activeSessions": summaries,
	})
}

// --- Session API ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.Active(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

// streamSession pushes session updates over SSE until the session
// reaches a terminal state, the client disconnects, or the stream ages
// out.
func (s *Server) streamSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	send(map[string]any{"type": "session", "session": sess})
	if sess.State.Terminal() {
		send(map[string]any{"type": "done", "state": sess.State})
		return
	}
	lastUpdate := sess.UpdatedAt

	ticker := time.NewTicker(streamPoll)
	defer ticker.Stop()
	deadline := time.NewTimer(streamTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
			updated, err := s.sessions.Get(r.Context(), id)
			if err != nil {
				send(map[string]any{"type": "error", "message": "session not found"})
				return
			}
			if updated.UpdatedAt.After(lastUpdate) {
				lastUpdate = updated.UpdatedAt
				send(map[string]any{"type": "session", "session": updated})
			}
			if updated.State.Terminal() {
				send(map[string]any{"type": "done", "state": updated.State})
				return
			}
		}
	}
}

// --- Workspace setup ---

type setupRequest struct {
	PlaneURL      string `json:"planeUrl"`
	APIToken      string `json:"apiToken"`
	WorkspaceSlug string `json:"workspaceSlug"`
}

// setup bootstraps a workspace: validates the supplied credentials,
// registers a webhook pointing back at this server with a fresh secret,
// and persists everything so restarts keep working.
func (s *Server) setup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.PlaneURL == "" || req.APIToken == "" || req.WorkspaceSlug == "" {
		writeError(w, http.StatusBadRequest, "planeUrl, apiToken, workspaceSlug are required")
		return
	}
	ctx := r.Context()

	client := s.newSetupClient(req.PlaneURL, req.APIToken)
	members, err := client.GetWorkspaceMembers(ctx, req.WorkspaceSlug)
	if err != nil {
		writeError(w, http.StatusBadRequest, "credential check failed: "+err.Error())
		return
	}

	secret, err := NewSecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		proto = "http"
	}
	webhookURL := fmt.Sprintf("%s://%s/webhooks/plane", proto, r.Host)

	wh, err := client.RegisterWebhook(ctx, req.WorkspaceSlug, webhookURL, secret)
	if err != nil {
		writeError(w, http.StatusBadRequest, "webhook registration failed: "+err.Error())
		return
	}

	stored := map[string]string{
		"PLANE_API_URL":   req.PlaneURL,
		"PLANE_API_TOKEN": req.APIToken,
		"WEBHOOK_SECRET":  secret,
		"WEBHOOK_ID":      wh.ID,
	}
	for k, v := range stored {
		if err := s.settings.Set(ctx, settings.DefaultWorkspace, k, v); err != nil {
			writeError(w, http.StatusInternalServerError, "persisting settings: "+err.Error())
			return
		}
	}
	s.reloadConfig(ctx)

	s.logger.Info("workspace bootstrapped",
		"workspace", req.WorkspaceSlug, "webhook", wh.ID, "members", len(members))
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"webhookId":     wh.ID,
		"webhookSecret": secret,
		"memberCount":   len(members),
	})
}

// NewSecret generates a fresh webhook signing secret.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating webhook secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// --- Admin settings ---

func (s *Server) workspaceParam(r *http.Request) string {
	if ws := r.PathValue("workspace"); ws != "" {
		return ws
	}
	return settings.DefaultWorkspace
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	ws := s.workspaceParam(r)
	masked, err := s.settings.Masked(r.Context(), ws)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	repos, err := s.settings.Repos(r.Context(), ws)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": masked, "repos": repos})
}

type settingsRequest struct {
	Settings map[string]string `json:"settings"`
	Repos    map[string]string `json:"repos"`
}

func (s *Server) saveSettings(w http.ResponseWriter, r *http.Request) {
	ws := s.workspaceParam(r)
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ctx := r.Context()

	for k, v := range req.Settings {
		// A masked value means the client echoed the display form back
		// unchanged; writing it would destroy the stored secret.
		if settings.IsMasked(v) {
			continue
		}
		if err := s.settings.Set(ctx, ws, k, v); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if req.Repos != nil {
		if err := s.settings.ClearRepos(ctx, ws); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for projectID, url := range req.Repos {
			if err := s.settings.SetRepo(ctx, ws, projectID, url); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
	}
	s.reloadConfig(ctx)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- Webhook ingestion ---

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}
	sig := r.Header.Get("X-Plane-Signature")
	if sig == "" {
		sig = r.Header.Get("X-Webhook-Signature")
	}
	if !VerifySignature(s.currentSecret(), body, sig) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.logger.Info("webhook received", "event", env.Event, "action", env.Action)

	if (env.Event == "comment" || env.Event == "issue_comment") && env.Action == "created" {
		comment, err := s.norm.Comment(env.Data)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status, resp := s.handleComment(r.Context(), comment)
		writeJSON(w, status, resp)
		return
	}

	if env.Event != "issue" {
		writeJSON(w, http.StatusOK, skipped("unhandled event"))
		return
	}
	issue, err := s.norm.Issue(env.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if env.Action == "updated" && s.assignmentTrigger(r.Context(), issue) {
		writeJSON(w, http.StatusOK, map[string]any{"dispatched": true, "mode": "assignment-trigger"})
		return
	}

	status, resp := s.dispatchIssue(r.Context(), issue)
	writeJSON(w, status, resp)
}

func skipped(reason string) map[string]any {
	return map[string]any{"skipped": true, "reason": reason}
}

// assignmentTrigger starts an autonomous run when the bot user gets
// assigned to an issue that has no active session yet.
func (s *Server) assignmentTrigger(ctx context.Context, issue *models.IssueEvent) bool {
	botID := s.currentBotID()
	if botID == "" {
		return false
	}
	assigned := false
	for _, a := range issue.Assignees {
		if a == botID {
			assigned = true
			break
		}
	}
	if !assigned {
		return false
	}

	existing, err := s.sessions.ActiveForIssue(ctx, issue.ID)
	if err != nil {
		s.logger.Error("active session lookup failed", "issue", issue.ID, "error", err)
		return false
	}
	if existing != nil {
		s.logger.Info("assignment ignored, session already active",
			"issue", issue.ID, "session", existing.ID)
		return true
	}

	s.logger.Info("bot assigned to issue", "issue", issue.ID)
	task := s.taskForIssue(issue, s.commentAgent,
		"Work on this issue based on the description.")
	s.dispatchRun(s.commentAgent, task, runner.RunOptions{
		Mode:        models.ModeAutonomous,
		TriggeredBy: "system",
		ActorName:   "Assignment",
	})
	return true
}

// dispatchIssue routes an issue event through the agent router and
// either starts a worker or queues the task when the agent is at
// capacity.
func (s *Server) dispatchIssue(ctx context.Context, issue *models.IssueEvent) (int, any) {
	agent, priority, ok := s.dispatcher.ShouldDispatch(issue)
	if !ok {
		return http.StatusOK, skipped("no matching agent")
	}
	task := s.taskForIssue(issue, agent, "")
	task.Priority = priority

	html := fmt.Sprintf("<p>Agent %s picked up this issue.</p>", agent.Name)
	if _, err := s.plane.AddComment(ctx, issue.WorkspaceSlug, issue.ProjectID, issue.ID, html,
		&plane.CommentOptions{ExternalSource: report.ExternalSource}); err != nil {
		s.logger.Warn("failed to post pickup comment", "issue", issue.ID, "error", err)
	}

	if s.workers.RunningCount(agent.Name) >= agent.MaxConcurrency {
		if err := s.queue.Enqueue(ctx, task); err != nil {
			return http.StatusInternalServerError, map[string]any{"error": err.Error()}
		}
		s.logger.Info("task queued, agent at capacity", "task", task.ID, "agent", agent.Name)
		return http.StatusOK, map[string]any{"queued": true, "taskId": task.ID}
	}

	s.dispatchRun(agent, task, runner.RunOptions{
		Mode:        models.ModeAutonomous,
		TriggeredBy: "dispatch",
	})
	return http.StatusOK, map[string]any{"dispatched": true, "taskId": task.ID}
}

// handleComment implements the comment trigger pipeline. Order matters:
// self-authored comments are dropped before anything else, duplicates
// next, and a parked awaiting_input session claims the comment as a
// follow-up before the mention check runs.
func (s *Server) handleComment(ctx context.Context, c *models.CommentEvent) (int, any) {
	if s.isBotComment(c) {
		return http.StatusOK, skipped("own comment")
	}

	if dup, err := s.dedup.Seen(ctx, c.ID); err != nil {
		s.logger.Warn("dedup check failed, continuing", "comment", c.ID, "error", err)
	} else if dup {
		return http.StatusOK, skipped("duplicate delivery")
	}

	text := strings.TrimSpace(c.CommentStripped)
	if text == "" {
		return http.StatusOK, skipped("empty comment")
	}

	if awaiting, err := s.sessions.AwaitingForIssue(ctx, c.IssueID); err != nil {
		s.logger.Error("awaiting session lookup failed", "issue", c.IssueID, "error", err)
	} else if awaiting != nil {
		task := s.taskForComment(ctx, c, text)
		s.dispatchRun(s.commentAgent, task, runner.RunOptions{
			Mode:              awaiting.Mode,
			TriggeredBy:       c.ActorID,
			ActorName:         c.ActorName,
			TriggerCommentID:  c.ID,
			FollowUpSessionID: awaiting.ID,
			Prompt:            text,
		})
		return http.StatusOK, map[string]any{
			"dispatched": true, "mode": "follow-up", "sessionId": awaiting.ID,
		}
	}

	if !strings.Contains(strings.ToLower(text), mentionTag) {
		return http.StatusOK, skipped("no mention")
	}
	request := strings.TrimSpace(mentionRe.ReplaceAllString(text, ""))

	mode := models.ModeComment
	if s.classifier.IsActionRequest(request) {
		mode = models.ModeAutonomous
	}

	task := s.taskForComment(ctx, c, request)
	s.dispatchRun(s.commentAgent, task, runner.RunOptions{
		Mode:             mode,
		TriggeredBy:      c.ActorID,
		ActorName:        c.ActorName,
		TriggerCommentID: c.ID,
		Prompt:           request,
	})
	return http.StatusOK, map[string]any{"dispatched": true, "mode": string(mode)}
}

// isBotComment detects the service's own comments three ways, since
// Plane does not echo external_source on every delivery.
func (s *Server) isBotComment(c *models.CommentEvent) bool {
	if c.ExternalSource == report.ExternalSource {
		return true
	}
	if botID := s.currentBotID(); botID != "" && c.ActorID == botID {
		return true
	}
	text := strings.TrimSpace(c.CommentStripped)
	return strings.HasPrefix(text, "🤖 Claude") || strings.HasPrefix(text, "🤖 **Claude")
}

func (s *Server) taskForIssue(issue *models.IssueEvent, agent models.AgentDefinition, prompt string) *models.QueuedTask {
	payload, _ := json.Marshal(models.TaskPayload{
		Name:                issue.Title,
		DescriptionStripped: issue.DescriptionStripped,
		Priority:            issue.Priority,
		Prompt:              prompt,
	})
	return &models.QueuedTask{
		ID:            store.NewULID(),
		IssueID:       issue.ID,
		ProjectID:     issue.ProjectID,
		WorkspaceSlug: issue.WorkspaceSlug,
		AgentType:     agent.Name,
		Priority:      dispatch.PriorityValue(issue.Priority),
		Payload:       payload,
		QueuedAt:      time.Now().UTC(),
	}
}

func (s *Server) taskForComment(ctx context.Context, c *models.CommentEvent, prompt string) *models.QueuedTask {
	p := models.TaskPayload{Prompt: prompt, TriggeredBy: c.ActorID}
	priority := ""
	if issue, err := s.plane.GetIssue(ctx, c.WorkspaceSlug, c.ProjectID, c.IssueID); err != nil {
		s.logger.Warn("issue details unavailable", "issue", c.IssueID, "error", err)
	} else {
		p.Name = issue.Name
		p.DescriptionStripped = issue.DescriptionStripped
		p.Priority = issue.Priority
		priority = issue.Priority
	}
	payload, _ := json.Marshal(p)
	return &models.QueuedTask{
		ID:            store.NewULID(),
		IssueID:       c.IssueID,
		ProjectID:     c.ProjectID,
		WorkspaceSlug: c.WorkspaceSlug,
		AgentType:     s.commentAgent.Name,
		Priority:      dispatch.PriorityValue(priority),
		Payload:       payload,
		QueuedAt:      time.Now().UTC(),
	}
}

// dispatchRun fires an agent run on its own goroutine. A busy issue is
// an expected outcome, not an error.
func (s *Server) dispatchRun(agent models.AgentDefinition, task *models.QueuedTask, opts runner.RunOptions) {
	go func() {
		err := s.runner.Run(context.Background(), agent, task, opts)
		switch {
		case errors.Is(err, runner.ErrSessionBusy):
			s.logger.Info("trigger dropped, issue busy", "issue", task.IssueID)
			html := fmt.Sprintf("<p>Agent %s is already working on this issue. Wait for the current run to finish.</p>", agent.Name)
			if _, cerr := s.plane.AddComment(context.Background(), task.WorkspaceSlug, task.ProjectID, task.IssueID, html,
				&plane.CommentOptions{ExternalSource: report.ExternalSource}); cerr != nil {
				s.logger.Warn("failed to post busy advisory", "issue", task.IssueID, "error", cerr)
			}
		case err != nil:
			s.logger.Error("agent run failed", "task", task.ID, "error", err)
		}
	}()
}

// drainQueue pulls the next queued task after a worker slot frees up.
func (s *Server) drainQueue() {
	ctx := context.Background()
	task, err := s.queue.Dequeue(ctx)
	if errors.Is(err, queue.ErrEmpty) {
		return
	}
	if err != nil {
		s.logger.Error("queue drain failed", "error", err)
		return
	}

	agent, ok := s.agents[strings.ToLower(task.AgentType)]
	if !ok {
		s.logger.Error("queued task references unknown agent, dropping",
			"task", task.ID, "agent", task.AgentType)
		return
	}
	if s.workers.RunningCount(agent.Name) >= agent.MaxConcurrency {
		if err := s.queue.Enqueue(ctx, task); err != nil {
			s.logger.Error("requeueing task failed", "task", task.ID, "error", err)
		}
		return
	}

	payload, err := task.DecodePayload()
	if err != nil {
		s.logger.Warn("queued task payload unreadable", "task", task.ID, "error", err)
	}
	s.logger.Info("dequeued task", "task", task.ID, "agent", agent.Name)
	s.dispatchRun(agent, task, runner.RunOptions{
		Mode:        models.ModeAutonomous,
		TriggeredBy: payload.TriggeredBy,
		Prompt:      payload.Prompt,
	})
}
