package realtime

import "encoding/json"

// Message types sent by the server.
const (
	TypeSessionUpdate = "session_update"
	TypeSessionOutput = "session_output"
	TypeResponse      = "response"
	TypeError         = "error"
)

// Message types accepted from clients.
const (
	TypeCreate    = "create"
	TypeMessage   = "message"
	TypeTerminate = "terminate"
)

// Envelope is the wire frame for every websocket message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SessionUpdatePayload mirrors one session table entry.
type SessionUpdatePayload struct {
	SessionID    string `json:"session_id"`
	ProjectPath  string `json:"project_path"`
	ProjectName  string `json:"project_name"`
	Status       string `json:"status"`
	Active       bool   `json:"active"`
	CreatedAt    string `json:"created_at"`
	LastActivity string `json:"last_activity"`
}

// SessionOutputPayload carries one raw output chunk.
type SessionOutputPayload struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// ResponsePayload carries a completed reply to a relayed message.
type ResponsePayload struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// ErrorPayload reports a failed client request.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreatePayload asks for a new session.
type CreatePayload struct {
	ProjectPath string `json:"project_path"`
	SessionID   string `json:"session_id,omitempty"`
}

// MessagePayload relays text to a session.
type MessagePayload struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
}

// TerminatePayload ends a session.
type TerminatePayload struct {
	SessionID string `json:"session_id"`
}

func envelope(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Payload: raw})
}
