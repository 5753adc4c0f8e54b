package model

import (
	"encoding/json"
	"time"
)

type SessionStatus string

const (
	StatusWaiting   SessionStatus = "waiting"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
)

// Agent is an issued identity. BearerSecret is nil until the row is claimed;
// ClaimSecret stops resolving once the claim succeeds.
type Agent struct {
	AgentID      string
	BearerSecret *string
	ClaimSecret  string
	Claimed      bool
	CreatedAt    time.Time
}

// Session is a running instance of a template. State is the template-owned
// opaque document; the engine never looks inside it.
type Session struct {
	SessionID string
	Template  string
	State     json.RawMessage
	Status    SessionStatus
	Tick      int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Participant struct {
	SessionID string
	AgentID   string
	Role      string
}

// ActionEntry is one row of the append-only action log. Tick is the session
// tick at the moment of acceptance, so a session's entries form the
// contiguous prefix 0..tick-1.
type ActionEntry struct {
	ActionID  string
	SessionID string
	AgentID   string
	Role      string
	Action    string
	Tick      int64
	CreatedAt time.Time
}
