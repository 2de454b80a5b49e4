// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_session

import (
	"encoding/json"
	"time"

	internal_audio "github.com/rapidaai/voice-bridge/internal/audio"
)

// State is the session lifecycle state. connecting → active → ended;
// ended is terminal and reachable from any state.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnded      State = "ended"
)

// UpstreamLink is the handle a session holds on its AI-backend
// connection. The registry closes it exactly once at teardown.
type UpstreamLink interface {
	Close() error
}

// TelephonyConn is the handle a session holds on its inbound switch
// socket. The registry closes it at teardown if the switch has not
// already hung up.
type TelephonyConn interface {
	Close() error
}

// Session is the record of one in-progress call. All fields are mutated
// under the manager's lock; the telephony socket and upstream link are
// exclusively owned by this session.
type Session struct {
	ID           string
	CallID       string
	CallerID     string
	CalledNumber string
	AudioConfig  *internal_audio.AudioConfig
	State        State
	StartedAt    time.Time

	Conn     TelephonyConn
	Upstream UpstreamLink

	// ClientContext is the opaque caller payload fetched from the CRM.
	ClientContext json.RawMessage

	// Cumulative audio byte counters; only ever increase.
	BytesIn  uint64
	BytesOut uint64
}

// Snapshot is a point-in-time copy of a session for diagnostics and
// end-of-call reporting. Duration is milliseconds since StartedAt.
// Accessors hand out snapshots, never live records, so readers cannot
// race with registry mutations.
type Snapshot struct {
	ID        string    `json:"id"`
	CallID    string    `json:"callId"`
	CallerID  string    `json:"callerId"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"startedAt"`
	Duration  int64     `json:"duration"`
	BytesIn   uint64    `json:"bytesIn"`
	BytesOut  uint64    `json:"bytesOut"`

	// ClientContext is carried for end-of-call reporting; it is not part
	// of the diagnostics payload.
	ClientContext json.RawMessage `json:"-"`
}

func snapshot(s *Session, now time.Time) Snapshot {
	return Snapshot{
		ID:            s.ID,
		CallID:        s.CallID,
		CallerID:      s.CallerID,
		State:         s.State,
		StartedAt:     s.StartedAt,
		Duration:      now.Sub(s.StartedAt).Milliseconds(),
		BytesIn:       s.BytesIn,
		BytesOut:      s.BytesOut,
		ClientContext: s.ClientContext,
	}
}
