package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/botgatehq/botgate/internal/bus"
	"github.com/botgatehq/botgate/internal/config"
	"github.com/botgatehq/botgate/internal/providers"
	"github.com/botgatehq/botgate/internal/queue"
	"github.com/botgatehq/botgate/internal/sessions"
	"github.com/botgatehq/botgate/internal/store"
	"github.com/botgatehq/botgate/pkg/protocol"
)

func unmarshalParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (s *Server) handle(c *client, req protocol.RequestFrame) protocol.ResponseFrame {
	switch req.Method {
	case protocol.MethodConnect:
		return errorResponse(req.ID, protocol.ErrBadRequest, "already connected")
	case protocol.MethodAgent:
		return s.handleAgent(c, req)
	case protocol.MethodAgentWait:
		return s.handleAgentWait(req)
	case protocol.MethodSessionsList:
		return s.handleSessionsList(req)
	case protocol.MethodSessionsHistory:
		return s.handleSessionsHistory(req)
	case protocol.MethodSessionsSend:
		return s.handleSessionsSend(c, req)
	case protocol.MethodSessionsReset:
		return s.handleSessionsReset(req)
	case protocol.MethodSessionsDelete:
		return s.handleSessionsDelete(req)
	case protocol.MethodHealth:
		return s.handleHealth(req)
	case protocol.MethodStatus:
		return s.handleStatus(req)
	case protocol.MethodSystemPresence:
		return protocol.ResponseFrame{ID: req.ID, OK: true, Result: s.presence()}
	default:
		return errorResponse(req.ID, protocol.ErrBadRequest, fmt.Sprintf("unknown method %q", req.Method))
	}
}

type agentParams struct {
	AgentID    string `json:"agentId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	Message    string `json:"message"`
	Mode       string `json:"mode,omitempty"` // queue mode override
	Lane       string `json:"lane,omitempty"`
	Stream     bool   `json:"stream,omitempty"` // push run events to this client
}

type agentResult struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
}

// handleAgent schedules a run from a control-plane message. Without an
// explicit session key the message lands in the agent's main bucket.
func (s *Server) handleAgent(c *client, req protocol.RequestFrame) protocol.ResponseFrame {
	var p agentParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return errorResponse(req.ID, protocol.ErrBadRequest, "malformed params")
	}
	if p.Message == "" {
		return errorResponse(req.ID, protocol.ErrBadRequest, "message is required")
	}

	agentID := config.NormalizeAgentID(p.AgentID)
	key := p.SessionKey
	if key == "" {
		mainKey := s.cfg.Sessions.MainKey
		if spec := s.cfg.AgentSpecFor(agentID); spec.MainKey != "" {
			mainKey = spec.MainKey
		}
		key = sessions.Normalize(sessions.BuildMainKey(agentID, mainKey))
	} else {
		key = sessions.Normalize(key)
	}

	runID := uuid.NewString()
	mode := queue.Mode(p.Mode)
	if mode == "" {
		mode = queue.Mode(s.cfg.Queue.Mode)
	}
	lane := p.Lane
	if lane == "" {
		lane = "main"
	}

	env := bus.Envelope{
		SenderID:  "gateway:" + c.id,
		Timestamp: time.Now(),
		Body:      p.Message,
		MessageID: runID,
		Peer:      bus.Peer{Kind: bus.PeerDirect, ID: c.id},
	}

	s.events.Announce(runID)
	if p.Stream {
		go s.streamRun(c, runID)
	}

	err := s.sched.Submit(queue.Job{
		RunID:      runID,
		SessionKey: key,
		Lane:       lane,
		Mode:       mode,
		Env:        env,
	})
	if err != nil {
		return errorResponse(req.ID, protocol.ErrInternal, err.Error())
	}

	return protocol.ResponseFrame{ID: req.ID, OK: true, Result: agentResult{RunID: runID, SessionKey: key}}
}

type waitParams struct {
	RunID     string `json:"runId"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// handleAgentWait blocks until the run terminates or the wait times out.
// A wait timeout never cancels the run.
func (s *Server) handleAgentWait(req protocol.RequestFrame) protocol.ResponseFrame {
	var p waitParams
	if err := unmarshalParams(req.Params, &p); err != nil || p.RunID == "" {
		return errorResponse(req.ID, protocol.ErrBadRequest, "runId is required")
	}
	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(s.cfg.Gateway.WaitTimeoutMs) * time.Millisecond
	}

	outcome, err := s.events.Wait(context.Background(), p.RunID, timeout)
	switch {
	case errors.Is(err, bus.ErrWaitTimeout):
		return errorResponse(req.ID, protocol.ErrTimeout, "run still in progress")
	case errors.Is(err, bus.ErrUnknownRun):
		return errorResponse(req.ID, protocol.ErrBadRequest, "unknown run id")
	case err != nil:
		return errorResponse(req.ID, protocol.ErrInternal, err.Error())
	}
	return protocol.ResponseFrame{ID: req.ID, OK: true, Result: outcome}
}

type sessionsListParams struct {
	AgentID string `json:"agentId,omitempty"`
}

type sessionSummary struct {
	Key       string    `json:"key"`
	SessionID string    `json:"sessionId"`
	UpdatedAt time.Time `json:"updatedAt"`
	Channel   string    `json:"channel,omitempty"`
	Name      string    `json:"name,omitempty"`
	Active    bool      `json:"active"`
	RunID     string    `json:"runId,omitempty"`
	Backlog   int       `json:"backlog,omitempty"`
}

func (s *Server) handleSessionsList(req protocol.RequestFrame) protocol.ResponseFrame {
	var p sessionsListParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return errorResponse(req.ID, protocol.ErrBadRequest, "malformed params")
	}

	agentIDs := s.cfg.AgentIDs()
	if p.AgentID != "" {
		agentIDs = []string{config.NormalizeAgentID(p.AgentID)}
	}

	var out []sessionSummary
	for _, agentID := range agentIDs {
		entries, err := s.sessions.List(agentID)
		if err != nil {
			return errorResponse(req.ID, protocol.ErrInternal, err.Error())
		}
		for _, e := range entries {
			runID, active := s.sched.ActiveRunID(e.Key)
			out = append(out, sessionSummary{
				Key:       e.Key,
				SessionID: e.SessionID,
				UpdatedAt: e.UpdatedAt,
				Channel:   e.LastChannel,
				Name:      e.DisplayName,
				Active:    active,
				RunID:     runID,
				Backlog:   s.sched.Depth(e.Key),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return protocol.ResponseFrame{ID: req.ID, OK: true, Result: out}
}

type sessionsHistoryParams struct {
	SessionKey   string `json:"sessionKey"`
	Limit        int    `json:"limit,omitempty"`
	IncludeTools bool   `json:"includeTools,omitempty"`
}

func (s *Server) handleSessionsHistory(req protocol.RequestFrame) protocol.ResponseFrame {
	var p sessionsHistoryParams
	if err := unmarshalParams(req.Params, &p); err != nil || p.SessionKey == "" {
		return errorResponse(req.ID, protocol.ErrBadRequest, "sessionKey is required")
	}
	agentID, _ := sessions.ParseKey(sessions.Normalize(p.SessionKey))
	if agentID == "" {
		agentID = s.cfg.ResolveDefaultAgentID()
	}

	entry, err := s.sessions.Resolve(agentID, p.SessionKey)
	if err != nil {
		return errorResponse(req.ID, protocol.ErrInternal, err.Error())
	}
	msgs, err := s.sessions.History(agentID, entry.SessionID, p.Limit)
	if err != nil {
		return errorResponse(req.ID, protocol.ErrInternal, err.Error())
	}
	if !p.IncludeTools {
		msgs = withoutToolTurns(msgs)
	}
	return protocol.ResponseFrame{ID: req.ID, OK: true, Result: map[string]interface{}{
		"sessionId": entry.SessionID,
		"messages":  msgs,
	}}
}

// withoutToolTurns strips tool results and tool-call scaffolding from a
// history, leaving just the conversational turns.
func withoutToolTurns(msgs []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "tool" {
			continue
		}
		m.ToolCalls = nil
		if m.Role == "assistant" && m.Content == "" && m.Reasoning == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

type sessionsSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	Mode           string `json:"mode,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"` // >0: wait for the outcome
}

// handleSessionsSend injects a message into an existing session as a
// normal queued run; the reply goes to the conversation the session last
// spoke on. With timeoutSeconds the call waits for the run's outcome; a
// wait timeout reports the run as still running, it never cancels it.
func (s *Server) handleSessionsSend(c *client, req protocol.RequestFrame) protocol.ResponseFrame {
	var p sessionsSendParams
	if err := unmarshalParams(req.Params, &p); err != nil || p.SessionKey == "" || p.Message == "" {
		return errorResponse(req.ID, protocol.ErrBadRequest, "sessionKey and message are required")
	}
	key := sessions.Normalize(p.SessionKey)
	agentID, _ := sessions.ParseKey(key)
	if agentID == "" {
		agentID = s.cfg.ResolveDefaultAgentID()
	}

	entry, err := s.sessions.Resolve(agentID, key)
	if err != nil {
		return errorResponse(req.ID, protocol.ErrInternal, err.Error())
	}

	env := bus.Envelope{
		Channel:   entry.LastChannel,
		SenderID:  "gateway:" + c.id,
		Timestamp: time.Now(),
		Body:      p.Message,
		MessageID: uuid.NewString(),
		Peer:      bus.Peer{Kind: bus.PeerKind(entry.LastPeerKind), ID: entry.LastPeerID},
	}
	if env.Peer.Kind == "" {
		env.Peer = bus.Peer{Kind: bus.PeerDirect, ID: c.id}
	}

	runID := uuid.NewString()
	mode := queue.Mode(p.Mode)
	if mode == "" {
		mode = queue.Mode(s.cfg.Queue.Mode)
	}

	s.events.Announce(runID)
	err = s.sched.Submit(queue.Job{
		RunID:      runID,
		SessionKey: key,
		Lane:       "main",
		Mode:       mode,
		Env:        env,
	})
	if err != nil {
		return errorResponse(req.ID, protocol.ErrInternal, err.Error())
	}

	result := map[string]interface{}{"runId": runID, "sessionKey": key}
	if p.TimeoutSeconds > 0 {
		outcome, werr := s.events.Wait(context.Background(), runID, time.Duration(p.TimeoutSeconds)*time.Second)
		switch {
		case werr == nil:
			result["status"] = outcome.Status
			result["outcome"] = outcome
		case errors.Is(werr, bus.ErrWaitTimeout):
			result["status"] = "running"
		default:
			return errorResponse(req.ID, protocol.ErrInternal, werr.Error())
		}
	}
	return protocol.ResponseFrame{ID: req.ID, OK: true, Result: result}
}

type sessionKeyParams struct {
	SessionKey string `json:"sessionKey"`
}

func (s *Server) handleSessionsReset(req protocol.RequestFrame) protocol.ResponseFrame {
	var p sessionKeyParams
	if err := unmarshalParams(req.Params, &p); err != nil || p.SessionKey == "" {
		return errorResponse(req.ID, protocol.ErrBadRequest, "sessionKey is required")
	}
	key := sessions.Normalize(p.SessionKey)
	agentID, _ := sessions.ParseKey(key)
	if agentID == "" {
		agentID = s.cfg.ResolveDefaultAgentID()
	}
	s.sched.CancelSession(key)
	entry, err := s.sessions.Reset(agentID, key)
	if err != nil {
		return errorResponse(req.ID, protocol.ErrInternal, err.Error())
	}
	return protocol.ResponseFrame{ID: req.ID, OK: true, Result: map[string]string{"sessionId": entry.SessionID}}
}

func (s *Server) handleSessionsDelete(req protocol.RequestFrame) protocol.ResponseFrame {
	var p sessionKeyParams
	if err := unmarshalParams(req.Params, &p); err != nil || p.SessionKey == "" {
		return errorResponse(req.ID, protocol.ErrBadRequest, "sessionKey is required")
	}
	key := sessions.Normalize(p.SessionKey)
	agentID, _ := sessions.ParseKey(key)
	if agentID == "" {
		agentID = s.cfg.ResolveDefaultAgentID()
	}
	s.sched.CancelSession(key)
	if err := s.sessions.Delete(agentID, key); err != nil && !errors.Is(err, store.ErrNotFound) {
		return errorResponse(req.ID, protocol.ErrInternal, err.Error())
	}
	return protocol.ResponseFrame{ID: req.ID, OK: true, Result: map[string]bool{"deleted": true}}
}

func (s *Server) handleHealth(req protocol.RequestFrame) protocol.ResponseFrame {
	return protocol.ResponseFrame{ID: req.ID, OK: true, Result: map[string]interface{}{
		"ok":             true,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"server_id":      s.serverID,
	}}
}

func (s *Server) handleStatus(req protocol.RequestFrame) protocol.ResponseFrame {
	stats := s.sched.Snapshot()
	result := map[string]interface{}{
		"queue":    stats,
		"agents":   s.cfg.AgentIDs(),
		"channels": s.chans.Channels(),
		"uptime":   time.Since(s.startedAt).String(),
	}
	policy := sessions.EffectivePolicy(s.cfg.Sessions.Reset, "")
	if next := sessions.NextDailyBoundary(policy, time.Now()); !next.IsZero() {
		result["nextDailyReset"] = next
	}
	return protocol.ResponseFrame{ID: req.ID, OK: true, Result: result}
}

// presence summarizes connected control-plane clients.
func (s *Server) presence() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.clients))
	for _, c := range s.clients {
		name := c.name
		if name == "" {
			name = c.id
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return map[string]interface{}{
		"clients": len(s.clients),
		"names":   names,
	}
}
