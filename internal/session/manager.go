// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	internal_audio "github.com/rapidaai/voice-bridge/internal/audio"
	"github.com/rapidaai/voice-bridge/pkg/commons"
)

var (
	// ErrDuplicateCallID rejects a second live session for a call id.
	ErrDuplicateCallID = errors.New("a live session already exists for this call id")
	// ErrAtCapacity rejects session creation at the concurrency ceiling.
	ErrAtCapacity = errors.New("session registry is at capacity")
)

// Stats is the registry-level counters exposed by the stats endpoint.
type Stats struct {
	ActiveSessions int `json:"activeSessions"`
	MaxSessions    int `json:"maxSessions"`
}

// Manager is the process-wide authoritative registry of in-flight calls.
//
// It owns the session map and a call-id index, enforces the capacity
// ceiling and the one-live-session-per-call-id invariant at its boundary,
// and is the single place that releases a session's resources. Every
// accessor tolerates an unknown session id: audio handlers and upstream
// callbacks race with teardown by design, and a lost race must be a
// no-op, never a panic.
type Manager interface {
	// CanAcceptNewCall reports whether the registry is below its ceiling.
	// Pure query; the authoritative check is repeated inside CreateSession.
	CanAcceptNewCall() bool

	// CreateSession admits a new call in state connecting. Fails with
	// ErrDuplicateCallID or ErrAtCapacity; those are the only rejections.
	CreateSession(callID, callerID, calledNumber string, audioConfig *internal_audio.AudioConfig, conn TelephonyConn) (*Session, error)

	SetClientContext(sessionID string, context json.RawMessage)
	SetUpstream(sessionID string, link UpstreamLink)
	UpdateSessionState(sessionID string, state State)

	RecordAudioIn(sessionID string, byteCount int)
	RecordAudioOut(sessionID string, byteCount int)

	GetSession(sessionID string) (Snapshot, bool)
	GetSessionByCallID(callID string) (Snapshot, bool)
	GetAllSessions() []Snapshot

	// AudioRoute returns the handles the relay path needs: the upstream
	// link and the negotiated switch-side audio config. ok is false until
	// SetUpstream has run, and again once the session is gone.
	AudioRoute(sessionID string) (UpstreamLink, *internal_audio.AudioConfig, bool)

	// EndSession removes the session and releases its resources exactly
	// once. Idempotent: a second call for the same id reports ok=false
	// and does nothing.
	EndSession(sessionID, reason string) (Snapshot, bool)

	GetStats() Stats
}

type sessionManager struct {
	logger commons.Logger
	max    int

	mu       sync.RWMutex
	sessions map[string]*Session
	byCallID map[string]string
}

// NewManager creates the session registry with the given concurrency
// ceiling.
func NewManager(logger commons.Logger, maxSessions int) Manager {
	return &sessionManager{
		logger:   logger,
		max:      maxSessions,
		sessions: make(map[string]*Session),
		byCallID: make(map[string]string),
	}
}

func (m *sessionManager) CanAcceptNewCall() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions) < m.max
}

func (m *sessionManager) CreateSession(
	callID, callerID, calledNumber string,
	audioConfig *internal_audio.AudioConfig,
	conn TelephonyConn,
) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.max {
		return nil, ErrAtCapacity
	}
	if _, exists := m.byCallID[callID]; exists {
		return nil, ErrDuplicateCallID
	}

	session := &Session{
		ID:           uuid.New().String(),
		CallID:       callID,
		CallerID:     callerID,
		CalledNumber: calledNumber,
		AudioConfig:  audioConfig,
		State:        StateConnecting,
		StartedAt:    time.Now(),
		Conn:         conn,
	}
	m.sessions[session.ID] = session
	m.byCallID[callID] = session.ID

	m.logger.Infow("session created",
		"session", session.ID,
		"call", callID,
		"codec", string(audioConfig.AudioFormat),
		"rate", audioConfig.SampleRate,
		"active", len(m.sessions),
	)
	return session, nil
}

func (m *sessionManager) SetClientContext(sessionID string, context json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.logger.Debugf("set client context on unknown session %s", sessionID)
		return
	}
	session.ClientContext = context
}

func (m *sessionManager) SetUpstream(sessionID string, link UpstreamLink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.logger.Debugf("set upstream on unknown session %s", sessionID)
		return
	}
	session.Upstream = link
}

func (m *sessionManager) UpdateSessionState(sessionID string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.logger.Debugf("state update on unknown session %s", sessionID)
		return
	}
	session.State = state
}

func (m *sessionManager) RecordAudioIn(sessionID string, byteCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[sessionID]; ok {
		session.BytesIn += uint64(byteCount)
	}
}

func (m *sessionManager) RecordAudioOut(sessionID string, byteCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[sessionID]; ok {
		session.BytesOut += uint64(byteCount)
	}
}

func (m *sessionManager) GetSession(sessionID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return snapshot(session, time.Now()), true
}

func (m *sessionManager) GetSessionByCallID(callID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessionID, ok := m.byCallID[callID]
	if !ok {
		return Snapshot{}, false
	}
	session, ok := m.sessions[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return snapshot(session, time.Now()), true
}

func (m *sessionManager) AudioRoute(sessionID string) (UpstreamLink, *internal_audio.AudioConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok || session.Upstream == nil {
		return nil, nil, false
	}
	return session.Upstream, session.AudioConfig, true
}

func (m *sessionManager) GetAllSessions() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	snapshots := make([]Snapshot, 0, len(m.sessions))
	for _, session := range m.sessions {
		snapshots = append(snapshots, snapshot(session, now))
	}
	return snapshots
}

func (m *sessionManager) EndSession(sessionID, reason string) (Snapshot, bool) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return Snapshot{}, false
	}
	delete(m.sessions, sessionID)
	delete(m.byCallID, session.CallID)
	session.State = StateEnded
	snap := snapshot(session, time.Now())
	active := len(m.sessions)
	m.mu.Unlock()

	// Resource release happens outside the lock; a slow close handshake
	// must not stall admission of other calls.
	if session.Upstream != nil {
		if err := session.Upstream.Close(); err != nil {
			m.logger.Debugf("closing upstream link for session %s: %v", sessionID, err)
		}
	}
	if session.Conn != nil {
		if err := session.Conn.Close(); err != nil {
			m.logger.Debugf("closing telephony socket for session %s: %v", sessionID, err)
		}
	}

	m.logger.Infow("session ended",
		"session", sessionID,
		"call", snap.CallID,
		"reason", reason,
		"duration_ms", snap.Duration,
		"bytes_in", snap.BytesIn,
		"bytes_out", snap.BytesOut,
		"active", active,
	)
	return snap, true
}

func (m *sessionManager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{ActiveSessions: len(m.sessions), MaxSessions: m.max}
}
