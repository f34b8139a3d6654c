// Package file is the default on-disk SessionStore. Layout under the
// storage root:
//
//	agents/{agentId}/sessions/sessions.json      key → entry index
//	agents/{agentId}/sessions/{sessionId}.jsonl  append-only transcript
//
// Index writes go through a temp file and rename so a crash never leaves a
// torn sessions.json. Transcript appends use O_APPEND.
package file

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/botgatehq/botgate/internal/store"
)

// Store persists sessions under root. Safe for concurrent use.
type Store struct {
	root string

	mu     sync.Mutex
	agents map[string]*agentState
}

type agentState struct {
	mu      sync.Mutex
	loaded  bool
	entries map[string]store.SessionEntry // normalized key → entry
}

// New creates a file store rooted at dir.
func New(dir string) *Store {
	return &Store{root: dir, agents: make(map[string]*agentState)}
}

func (s *Store) agent(agentID string) *agentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[agentID]
	if !ok {
		st = &agentState{entries: make(map[string]store.SessionEntry)}
		s.agents[agentID] = st
	}
	return st
}

func (s *Store) sessionsDir(agentID string) string {
	return filepath.Join(s.root, "agents", agentID, "sessions")
}

func (s *Store) indexPath(agentID string) string {
	return filepath.Join(s.sessionsDir(agentID), "sessions.json")
}

func (s *Store) transcriptPath(agentID, sessionID string) string {
	return filepath.Join(s.sessionsDir(agentID), sessionID+".jsonl")
}

func normalizeKey(key string) string {
	return strings.ToLower(key)
}

// loadLocked reads sessions.json into memory once. Callers hold st.mu.
func (s *Store) loadLocked(agentID string, st *agentState) error {
	if st.loaded {
		return nil
	}
	data, err := os.ReadFile(s.indexPath(agentID))
	if err != nil {
		if os.IsNotExist(err) {
			st.loaded = true
			return nil
		}
		return fmt.Errorf("read session index: %w", err)
	}
	var raw map[string]store.SessionEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse session index: %w", err)
	}
	for k, v := range raw {
		st.entries[normalizeKey(k)] = v
	}
	st.loaded = true
	return nil
}

// flushLocked writes the in-memory index atomically. Callers hold st.mu.
func (s *Store) flushLocked(agentID string, st *agentState) error {
	dir := s.sessionsDir(agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	data, err := json.MarshalIndent(st.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session index: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "sessions-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp index: %w", err)
	}
	if err := os.Rename(tmpName, s.indexPath(agentID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace session index: %w", err)
	}
	return nil
}

// Get implements store.SessionStore.
func (s *Store) Get(agentID, key string) (store.SessionEntry, error) {
	st := s.agent(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := s.loadLocked(agentID, st); err != nil {
		return store.SessionEntry{}, err
	}
	entry, ok := st.entries[normalizeKey(key)]
	if !ok {
		return store.SessionEntry{}, store.ErrNotFound
	}
	return entry, nil
}

// Put implements store.SessionStore.
func (s *Store) Put(agentID string, entry store.SessionEntry) error {
	st := s.agent(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := s.loadLocked(agentID, st); err != nil {
		return err
	}
	entry.Key = normalizeKey(entry.Key)
	st.entries[entry.Key] = entry
	return s.flushLocked(agentID, st)
}

// Delete implements store.SessionStore.
func (s *Store) Delete(agentID, key string) error {
	st := s.agent(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := s.loadLocked(agentID, st); err != nil {
		return err
	}
	nk := normalizeKey(key)
	if _, ok := st.entries[nk]; !ok {
		return nil
	}
	delete(st.entries, nk)
	return s.flushLocked(agentID, st)
}

// List implements store.SessionStore.
func (s *Store) List(agentID string) ([]store.SessionEntry, error) {
	st := s.agent(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := s.loadLocked(agentID, st); err != nil {
		return nil, err
	}
	out := make([]store.SessionEntry, 0, len(st.entries))
	for _, e := range st.entries {
		out = append(out, e)
	}
	return out, nil
}

// AppendTranscript implements store.SessionStore.
func (s *Store) AppendTranscript(agentID, sessionID string, turns []store.TranscriptTurn) error {
	if len(turns) == 0 {
		return nil
	}
	dir := s.sessionsDir(agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	f, err := os.OpenFile(s.transcriptPath(agentID, sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, t := range turns {
		if err := enc.Encode(t); err != nil {
			return fmt.Errorf("append transcript turn: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush transcript: %w", err)
	}
	return nil
}

// ReadTranscript implements store.SessionStore. Lines that fail to parse
// are skipped; a half-written trailing line must not poison the history.
func (s *Store) ReadTranscript(agentID, sessionID string, limit int) ([]store.TranscriptTurn, error) {
	f, err := os.Open(s.transcriptPath(agentID, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var turns []store.TranscriptTurn
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var t store.TranscriptTurn
		if err := json.Unmarshal(line, &t); err != nil {
			continue
		}
		turns = append(turns, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}
