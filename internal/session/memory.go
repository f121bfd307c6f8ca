package session

import (
	"context"
	"sync"
	"time"

	"github.com/joescharf/zenova/internal/models"
	"github.com/joescharf/zenova/internal/store"
)

// MemoryStore is the process-local backend. Locks are expiry timestamps in a
// map and are lost on restart; it is a single-instance fallback, not suitable
// when more than one service instance shares the workload.
type MemoryStore struct {
	mu            sync.Mutex
	sessions      map[string]*models.AgentSession
	issueSessions map[string][]string // issueId -> session ids, newest first
	locks         map[string]time.Time
	terminalAt    map[string]time.Time

	now func() time.Time
}

// NewMemoryStore creates an empty in-process session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]*models.AgentSession),
		issueSessions: make(map[string][]string),
		locks:         make(map[string]time.Time),
		terminalAt:    make(map[string]time.Time),
		now:           time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, opts CreateOptions) (*models.AgentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	if expiry, ok := m.locks[opts.IssueID]; ok && expiry.After(now) {
		return nil, nil
	}
	m.locks[opts.IssueID] = now.Add(LockExpiry)

	s := &models.AgentSession{
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

	m.sessions[s.ID] = s
	m.issueSessions[opts.IssueID] = append([]string{s.ID}, m.issueSessions[opts.IssueID]...)
	return cloneSession(s), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.AgentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

// mutate applies fn to the session under the lock and bumps updatedAt.
func (m *MemoryStore) mutate(id string, fn func(*models.AgentSession)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.UpdatedAt = m.now().UTC()
	if s.State.Terminal() {
		delete(m.locks, s.IssueID)
		if _, ok := m.terminalAt[s.ID]; !ok {
			m.terminalAt[s.ID] = s.UpdatedAt
		}
	}
	return nil
}

func (m *MemoryStore) UpdateState(_ context.Context, id string, state models.SessionState) error {
	return m.mutate(id, func(s *models.AgentSession) {
		s.State = state
	})
}

func (m *MemoryStore) AddActivity(_ context.Context, id string, activity models.AgentActivity) error {
	return m.mutate(id, func(s *models.AgentSession) {
		if activity.Type == models.ActivityToolStart || activity.Type == models.ActivityText {
			s.State = models.SessionStateActive
		}
		s.Activities = append(s.Activities, activity)
	})
}

func (m *MemoryStore) MarkActivityComplete(_ context.Context, id, label string) error {
	return m.mutate(id, func(s *models.AgentSession) {
		for i := len(s.Activities) - 1; i >= 0; i-- {
			if s.Activities[i].Label == label && !s.Activities[i].Completed {
				s.Activities[i].Completed = true
				break
			}
		}
	})
}

func (m *MemoryStore) SetProgressCommentID(_ context.Context, id, commentID string) error {
	return m.mutate(id, func(s *models.AgentSession) {
		s.ProgressCommentID = commentID
	})
}

func (m *MemoryStore) SetFinalResponse(_ context.Context, id, response string) error {
	return m.mutate(id, func(s *models.AgentSession) {
		s.FinalResponse = response
	})
}

func (m *MemoryStore) SetError(_ context.Context, id, message string) error {
	return m.mutate(id, func(s *models.AgentSession) {
		s.Error = message
		s.State = models.SessionStateError
	})
}

func (m *MemoryStore) ActiveForIssue(_ context.Context, issueID string) (*models.AgentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiry, ok := m.locks[issueID]
	if !ok || !expiry.After(m.now().UTC()) {
		return nil, nil
	}
	ids := m.issueSessions[issueID]
	if len(ids) == 0 {
		return nil, nil
	}
	s, ok := m.sessions[ids[0]]
	if !ok || s.State.Terminal() {
		return nil, nil
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) AwaitingForIssue(_ context.Context, issueID string) (*models.AgentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.issueSessions[issueID]
	if len(ids) > 5 {
		ids = ids[:5]
	}
	for _, id := range ids {
		if s, ok := m.sessions[id]; ok && s.State == models.SessionStateAwaitingInput {
			return cloneSession(s), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) Active(_ context.Context) ([]*models.AgentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.AgentSession
	for _, s := range m.sessions {
		if !s.State.Terminal() {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (m *MemoryStore) ByIssue(_ context.Context, issueID string) ([]*models.AgentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.issueSessions[issueID]
	if len(ids) > 20 {
		ids = ids[:20]
	}
	out := make([]*models.AgentSession, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.sessions[id]; ok {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (m *MemoryStore) ReapStale(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	reaped := 0
	for _, s := range m.sessions {
		if s.State.Terminal() {
			continue
		}
		if now.Sub(s.UpdatedAt) > StaleThreshold {
			s.Error = staleMessage
			s.State = models.SessionStateError
			s.UpdatedAt = now
			delete(m.locks, s.IssueID)
			m.terminalAt[s.ID] = now
			reaped++
		}
	}

	// Discard terminal sessions past the retention window.
	for id, at := range m.terminalAt {
		if now.Sub(at) > TerminalRetention {
			s := m.sessions[id]
			delete(m.sessions, id)
			delete(m.terminalAt, id)
			if s != nil {
				ids := m.issueSessions[s.IssueID]
				for i, sid := range ids {
					if sid == id {
						m.issueSessions[s.IssueID] = append(ids[:i], ids[i+1:]...)
						break
					}
				}
			}
		}
	}

	return reaped, nil
}

func (m *MemoryStore) Close() error { return nil }
