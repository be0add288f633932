package models

import (
	"errors"
	"time"
)

// Session is a named, ordered conversation between one user and the model. UpdatedAt is never before
// CreatedAt; it moves forward on rename and whenever a message is appended to the session.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one turn in a session. Messages of a session are ordered by CreatedAt ascending.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`
}

// PromptEntry is a single role-tagged text entry of the prompt sent to the completion API.
type PromptEntry struct {
	Role Role
	Text string
}

// Role represents the role of a message participant.
type Role string

// Status is the delivery status of a message.
type Status string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message generated by the model.
	RoleAssistant Role = "assistant"
	// RoleSystem is only used for the instruction that heads a prompt, it is never stored.
	RoleSystem Role = "system"

	StatusSending Status = "sending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

var (
	// ErrNotFound is returned by stores when the requested session doesn't exist.
	ErrNotFound = errors.New("session not found")
	// ErrExists is returned by stores when a session is created with an id that is already taken.
	ErrExists = errors.New("session already exists")
)

// Touch moves the session's update time forward to t. It never moves it backwards, and never before
// the creation time.
func (s *Session) Touch(t time.Time) {
	if t.After(s.UpdatedAt) {
		s.UpdatedAt = t
	}
	if s.UpdatedAt.Before(s.CreatedAt) {
		s.UpdatedAt = s.CreatedAt
	}
}
