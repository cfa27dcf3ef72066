// Package store provides SQLite-backed persistence for users, sessions,
// messages and long-term memories.
package store

import (
	"errors"
	"time"
)

// Role identifies the author of a message within a session.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MemoryType classifies a long-term memory.
type MemoryType string

const (
	MemoryPreference MemoryType = "preference"
	MemoryFact       MemoryType = "fact"
	MemoryContext    MemoryType = "context"
	MemorySkill      MemoryType = "skill"
)

// User is an account row. Credential checks happen outside this module;
// the engine only ever sees a validated user id.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Email        string
	CreatedAt    time.Time
	LastLogin    time.Time
	Active       bool
}

// Session is a named, ordered conversation belonging to one user.
// UserID is immutable after creation.
type Session struct {
	ID              int64
	UserID          int64
	Title           string
	ModelDescriptor string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Active          bool
}

// Message is a single user or assistant turn within a session.
type Message struct {
	ID         int64
	SessionID  int64
	Role       Role
	Content    string
	Timestamp  time.Time
	TokenCount int
}

// Turn is a role/content pair as consumed by prompt assembly.
type Turn struct {
	Role    Role
	Content string
}

// Memory is a durable, user-scoped fact independent of any session.
// (UserID, Type, Key) is unique; repeated observation updates the row
// in place. Importance is always within [0, 1].
type Memory struct {
	ID              int64
	UserID          int64
	Type            MemoryType
	Key             string
	Value           string
	SourceSessionID int64 // 0 when the memory has no source session
	Importance      float64
	CreatedAt       time.Time
	LastAccessed    time.Time
	AccessCount     int
}

// SessionInfo is the summary row returned to presentation shells.
type SessionInfo struct {
	ID           int64
	Title        string
	CreatedAt    time.Time
	MessageCount int
}

var (
	// ErrUserNotFound indicates no user row matched the given id.
	ErrUserNotFound = errors.New("user not found")

	// ErrSessionNotFound indicates no session row matched the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMemoryNotFound indicates no memory row matched the given id.
	ErrMemoryNotFound = errors.New("memory not found")
)
