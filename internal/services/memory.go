package services

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/MegaGrindStone/relaychat/internal/models"
)

// Memory implements the Store interface on plain maps. Nothing survives a restart. When trimPairs is
// positive, a session's stored history is physically cut down to its last trimPairs user/assistant
// pairs after every append.
type Memory struct {
	mu        sync.RWMutex
	sessions  map[string]models.Session
	messages  map[string][]models.Message
	trimPairs int
}

// NewMemory creates an empty in-memory store. trimPairs <= 0 keeps the full history.
func NewMemory(trimPairs int) *Memory {
	return &Memory{
		sessions:  make(map[string]models.Session),
		messages:  make(map[string][]models.Message),
		trimPairs: trimPairs,
	}
}

// Session returns the session with the given id, or models.ErrNotFound.
func (m *Memory) Session(_ context.Context, id string) (models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return models.Session{}, models.ErrNotFound
	}
	return s, nil
}

// Sessions returns all sessions, most recently updated first.
func (m *Memory) Sessions(context.Context) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	sortSessions(sessions)
	return sessions, nil
}

// AddSession stores a new session. It returns models.ErrExists if the id is taken.
func (m *Memory) AddSession(_ context.Context, session models.Session) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; ok {
		return models.Session{}, models.ErrExists
	}
	session.Touch(session.UpdatedAt)
	m.sessions[session.ID] = session
	return session, nil
}

// UpdateSession replaces an existing session. The creation time of the stored session is kept.
func (m *Memory) UpdateSession(_ context.Context, session models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.sessions[session.ID]
	if !ok {
		return models.ErrNotFound
	}
	session.CreatedAt = old.CreatedAt
	session.Touch(old.UpdatedAt)
	m.sessions[session.ID] = session
	return nil
}

// DeleteSession removes a session together with its messages.
func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return models.ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

// Messages returns a copy of the session's messages, oldest first.
func (m *Memory) Messages(_ context.Context, sessionID string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.messages[sessionID]), nil
}

// AddMessage appends a message and moves the session's update time forward.
func (m *Memory) AddMessage(_ context.Context, sessionID string, message models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return models.ErrNotFound
	}
	message.SessionID = sessionID

	msgs := append(m.messages[sessionID], message)
	sortMessages(msgs)
	if m.trimPairs > 0 && len(msgs) > 2*m.trimPairs {
		msgs = slices.Clone(msgs[len(msgs)-2*m.trimPairs:])
	}
	m.messages[sessionID] = msgs

	s.Touch(message.CreatedAt)
	m.sessions[sessionID] = s
	return nil
}

// ClearMessages removes all messages of a session and keeps the session itself.
func (m *Memory) ClearMessages(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return models.ErrNotFound
	}
	delete(m.messages, sessionID)
	return nil
}

func sortSessions(sessions []models.Session) {
	slices.SortStableFunc(sessions, func(a, b models.Session) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func sortMessages(msgs []models.Message) {
	slices.SortStableFunc(msgs, func(a, b models.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
