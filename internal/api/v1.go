// Package api holds the wire shapes of the HTTP surface.
package api

import "encoding/json"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type RegisterAgentResponse struct {
	AgentID    string `json:"agent_id"`
	ClaimToken string `json:"claim_token"`
}

type ClaimAgentRequest struct {
	ClaimToken string `json:"claim_token"`
}

type ClaimAgentResponse struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

type CreateSessionRequest struct {
	Template     string             `json:"template"`
	Participants map[string]*string `json:"participants"`
}

type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	Template  string `json:"template"`
	Status    string `json:"status"`
}

type SessionSummary struct {
	SessionID string `json:"session_id"`
	Template  string `json:"template"`
	Status    string `json:"status"`
	Tick      int64  `json:"tick"`
	UpdatedAt string `json:"updated_at"`
}

type ListSessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

type JoinSessionRequest struct {
	Role string `json:"role"`
}

type JoinSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type SessionStateResponse struct {
	SessionID    string          `json:"session_id"`
	Template     string          `json:"template"`
	Status       string          `json:"status"`
	Tick         int64           `json:"tick"`
	State        json.RawMessage `json:"state"`
	YourRole     string          `json:"your_role"`
	LegalActions []string        `json:"legal_actions"`
}

type SubmitActionRequest struct {
	Action       string `json:"action"`
	ExpectedTick *int64 `json:"expected_tick,omitempty"`
}

type SubmitActionResponse struct {
	Tick   int64           `json:"tick"`
	State  json.RawMessage `json:"state"`
	Status string          `json:"status"`
}

type ActionLogItem struct {
	Tick      int64  `json:"tick"`
	Role      string `json:"role"`
	AgentID   string `json:"agent_id"`
	Action    string `json:"action"`
	CreatedAt string `json:"created_at"`
}

type ActionLogResponse struct {
	Actions []ActionLogItem `json:"actions"`
}

// ChangeEvent is one line on the watch channel. It carries no state;
// watchers re-read the session.
type ChangeEvent struct {
	SessionID string `json:"session_id"`
}
