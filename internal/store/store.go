// Package store defines the session persistence contract. Sessions map a
// stable session key to the current session ID plus bookkeeping; transcripts
// are append-only logs keyed by session ID.
package store

import (
	"errors"
	"time"

	"github.com/botgatehq/botgate/internal/providers"
)

// ErrNotFound is returned when a session key or transcript does not exist.
var ErrNotFound = errors.New("store: not found")

// SessionEntry is the durable record for one session key.
type SessionEntry struct {
	Key             string    `json:"key"`
	SessionID       string    `json:"sessionId"`
	AgentID         string    `json:"agentId"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	LastModelCallAt time.Time `json:"lastModelCallAt,omitempty"`
	InputTokens     int       `json:"inputTokens,omitempty"`
	CompactionCount int       `json:"compactionCount,omitempty"`
	LastProfileID   string    `json:"lastProfileId,omitempty"`
	LastChannel     string    `json:"lastChannel,omitempty"`
	LastPeerKind    string    `json:"lastPeerKind,omitempty"`
	LastPeerID      string    `json:"lastPeerId,omitempty"`
	DisplayName     string    `json:"displayName,omitempty"`
}

// TranscriptTurn is one appended line in a session transcript.
type TranscriptTurn struct {
	At      time.Time         `json:"at"`
	Message providers.Message `json:"message"`
}

// SessionStore persists session entries and transcripts per agent.
// Session keys are case-insensitive; implementations normalize them.
type SessionStore interface {
	// Get returns the entry for key, or ErrNotFound.
	Get(agentID, key string) (SessionEntry, error)

	// Put upserts an entry under its key.
	Put(agentID string, entry SessionEntry) error

	// Delete removes an entry. Deleting an absent key is not an error.
	Delete(agentID, key string) error

	// List returns all entries for an agent, unordered.
	List(agentID string) ([]SessionEntry, error)

	// AppendTranscript appends turns to the session's transcript log.
	AppendTranscript(agentID, sessionID string, turns []TranscriptTurn) error

	// ReadTranscript returns up to limit most recent turns (0 = all).
	ReadTranscript(agentID, sessionID string, limit int) ([]TranscriptTurn, error)
}
