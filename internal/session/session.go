// Package session multiplexes concurrent agent sessions: lifecycle state
// machine, activity-based reaping and a persisted session table.
package session

import (
	"path/filepath"
	"time"
)

// Status is a session's lifecycle state. Starting and Active are live;
// Inactive and Error make a session eligible for reaping once its
// inactivity exceeds the session timeout.
type Status string

const (
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// Reapable reports whether the status allows timeout-based eviction.
func (s Status) Reapable() bool {
	return s == StatusInactive || s == StatusError
}

// maxHistory bounds the per-session message history.
const maxHistory = 200

// Message is one conversation turn kept in a session's bounded history.
type Message struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session is one live agent conversation bound to a project directory.
// All mutation happens under the owning Manager's lock.
type Session struct {
	ID           string
	ProjectPath  string
	ProjectName  string
	Status       Status
	CreatedAt    time.Time
	LastActivity time.Time

	history []Message
}

func newSession(id, projectPath string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		ProjectPath:  projectPath,
		ProjectName:  filepath.Base(projectPath),
		Status:       StatusStarting,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// touch records activity now.
func (s *Session) touch() {
	s.LastActivity = time.Now()
}

// appendHistory records a turn, evicting the oldest past maxHistory.
func (s *Session) appendHistory(role, text string) {
	s.history = append(s.history, Message{Role: role, Text: text, At: time.Now()})
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
}

// History returns a copy of the session's recorded turns.
func (s *Session) History() []Message {
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}
