package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joescharf/zenova/internal/models"
)

// Manager launches workers and enforces their safety timeout. Each
// worker is supervised by a goroutine that races exit against the
// timeout; whichever arm fires first wins and the loser's cleanup is a
// no-op.
type Manager struct {
	runtime Runtime
	logger  *slog.Logger
	onExit  func(taskID, agentType string)

	mu      sync.Mutex
	running map[string]*models.RunningWorker
}

func NewManager(runtime Runtime, logger *slog.Logger) *Manager {
	return &Manager{
		runtime: runtime,
		logger:  logger,
		running: make(map[string]*models.RunningWorker),
	}
}

// Available reports whether the underlying runtime can launch workers.
func (m *Manager) Available(ctx context.Context) bool {
	return m.runtime.Available(ctx)
}

// SetOnExit registers a callback invoked after every worker exit,
// whether clean, failed, or killed. The queue drains from it.
func (m *Manager) SetOnExit(fn func(taskID, agentType string)) {
	m.onExit = fn
}

// Start launches a worker for the task and begins supervising it. env
// carries the task context plus secrets; it is handed to the runtime
// verbatim and never logged.
func (m *Manager) Start(ctx context.Context, agent models.AgentDefinition, task *models.QueuedTask, env map[string]string) (Handle, error) {
	m.mu.Lock()
	if _, exists := m.running[task.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("task %s already has a running worker", task.ID)
	}
	m.mu.Unlock()

	spec := StartSpec{
		TaskID:    task.ID,
		AgentType: agent.Name,
		Image:     agent.Image,
		Command:   agent.Command,
		Env:       env,
		Timeout:   agent.Timeout(),
	}

	handle, err := m.runtime.Start(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("start worker for task %s: %w", task.ID, err)
	}

	m.mu.Lock()
	m.running[task.ID] = &models.RunningWorker{
		TaskID:    task.ID,
		WorkerID:  handle.ID(),
		AgentType: agent.Name,
		IssueID:   task.IssueID,
		StartedAt: time.Now().UTC(),
	}
	m.mu.Unlock()

	m.logger.Info("worker started",
		"task", task.ID, "agent", agent.Name, "worker", handle.ID(), "timeout", spec.Timeout)

	go m.supervise(handle, task.ID, agent.Name, spec.Timeout)
	return handle, nil
}

// TaskEnv builds the standard environment a worker receives. secrets
// merge in last and may override nothing above.
func TaskEnv(agent models.AgentDefinition, task *models.QueuedTask, secrets map[string]string) map[string]string {
	payload, err := task.DecodePayload()
	if err != nil {
		payload = models.TaskPayload{}
	}

	env := map[string]string{
		"TASK_ID":           task.ID,
		"ISSUE_ID":          task.IssueID,
		"PROJECT_ID":        task.ProjectID,
		"WORKSPACE_SLUG":    task.WorkspaceSlug,
		"ISSUE_TITLE":       payload.Name,
		"ISSUE_DESCRIPTION": payload.DescriptionStripped,
		"AGENT_TYPE":        agent.Name,
	}
	for k, v := range secrets {
		env[k] = v
	}
	return env
}

func (m *Manager) supervise(handle Handle, taskID, agentType string, timeout time.Duration) {
	done := make(chan error, 1)
	go func() { done <- handle.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			m.logger.Warn("worker exited with error", "task", taskID, "error", err)
		} else {
			m.logger.Info("worker exited", "task", taskID)
		}
		removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = handle.Remove(removeCtx)
		cancel()

	case <-timer.C:
		m.logger.Warn("worker hit safety timeout, stopping",
			"task", taskID, "agent", agentType, "timeout", timeout)

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := handle.Stop(stopCtx); err != nil {
			m.logger.Error("failed to stop timed-out worker", "task", taskID, "error", err)
		}
		_ = handle.Remove(stopCtx)
		cancel()
		<-done
	}

	m.MarkCompleted(taskID)
	if m.onExit != nil {
		m.onExit(taskID, agentType)
	}
}

// RunningCount reports live workers of one agent type.
func (m *Manager) RunningCount(agentType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.running {
		if w.AgentType == agentType {
			n++
		}
	}
	return n
}

// Running snapshots all live workers.
func (m *Manager) Running() []*models.RunningWorker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.RunningWorker, 0, len(m.running))
	for _, w := range m.running {
		copied := *w
		out = append(out, &copied)
	}
	return out
}

// MarkCompleted frees the task's capacity slot. Idempotent.
func (m *Manager) MarkCompleted(taskID string) {
	m.mu.Lock()
	delete(m.running, taskID)
	m.mu.Unlock()
}
