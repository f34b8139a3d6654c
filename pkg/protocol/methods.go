package protocol

// ProtocolVersion is bumped on breaking frame changes. The connect handshake
// carries the client's version; mismatches are rejected.
const ProtocolVersion = 1

// RPC method name constants.
const (
	// Agent
	MethodAgent     = "agent"
	MethodAgentWait = "agent.wait"

	// Sessions
	MethodSessionsList    = "sessions.list"
	MethodSessionsHistory = "sessions.history"
	MethodSessionsSend    = "sessions.send"
	MethodSessionsReset   = "sessions.reset"
	MethodSessionsDelete  = "sessions.delete"

	// System
	MethodConnect        = "connect"
	MethodHealth         = "health"
	MethodStatus         = "status"
	MethodSystemPresence = "system-presence"
)
