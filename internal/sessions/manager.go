package sessions

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botgatehq/botgate/internal/config"
	"github.com/botgatehq/botgate/internal/providers"
	"github.com/botgatehq/botgate/internal/store"
)

// Manager resolves session keys to live sessions, applying the reset
// policy lazily on access. A stale session is never resumed: resolution
// mints a fresh session ID and the old transcript stays on disk under the
// old ID.
type Manager struct {
	cfg   *config.Config
	store store.SessionStore
	log   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-session-key serialization

	now func() time.Time
}

// NewManager creates a session manager over the given store.
func NewManager(cfg *config.Config, st store.SessionStore, log *slog.Logger) *Manager {
	return &Manager{
		cfg:   cfg,
		store: st,
		log:   log.With("component", "sessions"),
		locks: make(map[string]*sync.Mutex),
		now:   time.Now,
	}
}

func (m *Manager) keyLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Resolve returns the current session entry for key, minting a new session
// ID when none exists or the reset policy has expired the old one.
func (m *Manager) Resolve(agentID, key string) (store.SessionEntry, error) {
	key = Normalize(key)
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	now := m.now()
	entry, err := m.store.Get(agentID, key)
	switch {
	case err == store.ErrNotFound:
		return m.mintLocked(agentID, key, now, "new", "")
	case err != nil:
		return store.SessionEntry{}, fmt.Errorf("resolve session %s: %w", key, err)
	}

	if IsExpired(m.cfg.Sessions.Reset, key, entry.UpdatedAt, now) {
		return m.mintLocked(agentID, key, now, "expired", entry.SessionID)
	}
	return entry, nil
}

func (m *Manager) mintLocked(agentID, key string, now time.Time, reason, parentID string) (store.SessionEntry, error) {
	entry := store.SessionEntry{
		Key:       key,
		SessionID: uuid.NewString(),
		AgentID:   agentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Put(agentID, entry); err != nil {
		return store.SessionEntry{}, fmt.Errorf("mint session %s: %w", key, err)
	}
	if parentID != "" {
		// The fresh transcript opens with a pointer to the session it
		// replaced, so the old conversation stays findable.
		header := store.TranscriptTurn{At: now, Message: providers.Message{
			Role:    "system",
			Content: fmt.Sprintf("[continued from session %s (%s)]", parentID, reason),
		}}
		if err := m.store.AppendTranscript(agentID, entry.SessionID, []store.TranscriptTurn{header}); err != nil {
			m.log.Warn("header turn write failed", "session_id", entry.SessionID, "error", err)
		}
	}
	m.log.Info("session minted", "agent", agentID, "key", key, "session_id", entry.SessionID, "reason", reason, "parent", parentID)
	return entry, nil
}

// Touch updates the entry's bookkeeping after a run and persists it.
func (m *Manager) Touch(agentID string, entry store.SessionEntry) error {
	lock := m.keyLock(entry.Key)
	lock.Lock()
	defer lock.Unlock()
	entry.UpdatedAt = m.now()
	return m.store.Put(agentID, entry)
}

// Reset force-mints a new session under key, regardless of policy.
func (m *Manager) Reset(agentID, key string) (store.SessionEntry, error) {
	key = Normalize(key)
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()
	parent := ""
	if prev, err := m.store.Get(agentID, key); err == nil {
		parent = prev.SessionID
	}
	return m.mintLocked(agentID, key, m.now(), "manual", parent)
}

// Delete removes the session entry for key. The transcript file is kept.
func (m *Manager) Delete(agentID, key string) error {
	key = Normalize(key)
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()
	return m.store.Delete(agentID, key)
}

// List returns all session entries for an agent.
func (m *Manager) List(agentID string) ([]store.SessionEntry, error) {
	return m.store.List(agentID)
}

// History loads the transcript for a session as provider messages, with
// orphaned tool calls repaired so the history is always model-valid.
func (m *Manager) History(agentID, sessionID string, limit int) ([]providers.Message, error) {
	turns, err := m.store.ReadTranscript(agentID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", sessionID, err)
	}
	msgs := make([]providers.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, t.Message)
	}
	return SanitizeHistory(msgs), nil
}

// Append persists new turns to the session's transcript.
func (m *Manager) Append(agentID, sessionID string, msgs []providers.Message) error {
	now := m.now()
	turns := make([]store.TranscriptTurn, 0, len(msgs))
	for _, msg := range msgs {
		turns = append(turns, store.TranscriptTurn{At: now, Message: msg})
	}
	return m.store.AppendTranscript(agentID, sessionID, turns)
}

// KeyFor derives the session key for an inbound conversation using the
// configured scopes. Peer IDs are canonicalized through identity links
// before DM scoping so one human maps to one session across transports.
func (m *Manager) KeyFor(agentID string, p KeyParams) string {
	if p.DmScope == "" {
		p.DmScope = m.cfg.Sessions.DmScope
	}
	if p.Scope == "" {
		p.Scope = m.cfg.Sessions.Scope
	}
	if p.MainKey == "" {
		p.MainKey = m.cfg.Sessions.MainKey
		if spec := m.cfg.AgentSpecFor(agentID); spec.MainKey != "" {
			p.MainKey = spec.MainKey
		}
	}
	if canon, ok := m.cfg.Identity.Links[p.Peer.ID]; ok && canon != "" {
		p.Peer.ID = canon
	}
	p.AgentID = agentID
	return BuildKey(p)
}
