package protocol

import "encoding/json"

// RequestFrame is one JSON frame from client to server. Every call carries an
// idempotency key; the server keeps a short-lived dedup cache so retries are safe.
type RequestFrame struct {
	ID             string          `json:"id"`
	Method         string          `json:"method"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is the server's reply to a RequestFrame, matched by ID.
type ResponseFrame struct {
	ID     string      `json:"id"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// EventFrame is a server-pushed event (no ID, not a reply).
type EventFrame struct {
	Event   string      `json:"event"`
	RunID   string      `json:"runId,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// ErrorInfo carries a machine-readable code plus a human message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectParams is the mandatory first frame after connection. Any other
// first frame closes the connection.
type ConnectParams struct {
	Protocol int    `json:"protocol"`
	Client   string `json:"client,omitempty"`
	Token    string `json:"token,omitempty"`
}

// ConnectResult acknowledges a successful handshake.
type ConnectResult struct {
	Protocol int    `json:"protocol"`
	ServerID string `json:"serverId"`
}

// NewEvent builds an EventFrame.
func NewEvent(name, runID string, payload interface{}) *EventFrame {
	return &EventFrame{Event: name, RunID: runID, Payload: payload}
}
