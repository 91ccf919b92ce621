package model

import "time"

// StartSessionRequest opens a session bound to one language.
type StartSessionRequest struct {
	Language  string `json:"language" binding:"required"`
	SessionID string `json:"sessionId,omitempty"`
}

type StartSessionResponse struct {
	SessionID string `json:"sessionId"`
	Language  string `json:"language"`
}

// ExecuteRequest carries source code for a session's language.
type ExecuteRequest struct {
	Code string `json:"code"`
}

// ExecuteResponse holds only the output produced since the previous call.
type ExecuteResponse struct {
	SessionID     string `json:"sessionId"`
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	ExecutionTime int64  `json:"executionTime"` // milliseconds
	Running       bool   `json:"running"`
	Truncated     bool   `json:"truncated,omitempty"`
	Error         string `json:"error,omitempty"`
}

type InputRequest struct {
	Input string `json:"input"`
}

type InputResponse struct {
	SessionID string `json:"sessionId"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Running   bool   `json:"running"`
}

// SessionInfo describes an active session.
type SessionInfo struct {
	SessionID      string    `json:"sessionId"`
	Language       string    `json:"language"`
	InstanceID     string    `json:"instanceId"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Running        bool      `json:"running"`
}

type LanguagesResponse struct {
	Languages []string `json:"languages"`
}

// Response is the envelope of every control API reply.
type Response struct {
	Success    bool       `json:"success"`
	StatusCode int        `json:"statusCode"`
	Data       any        `json:"data,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Command types accepted on a session's command channel.
const (
	CommandExecute = "execute"
	CommandInput   = "input"
)

// Command is an inbound bus message addressed to one session.
type Command struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// OutputMessage is published for every chunk of session output.
type OutputMessage struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// SessionRecord is the persisted subset of a session, enough to reattach it after a restart.
type SessionRecord struct {
	ID             string    `json:"id"`
	Language       string    `json:"language"`
	InstanceID     string    `json:"instanceId"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}
