// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_bridge

import (
	"encoding/json"
	"fmt"
	"time"
)

// Application close codes sent to the telephony switch on the websocket
// close handshake.
const (
	// CloseUnauthorized rejects a connection that failed authentication.
	CloseUnauthorized = 4001
	// CloseAtCapacity rejects a connection when the session ceiling is
	// reached.
	CloseAtCapacity = 4003
)

// controlMessage is a JSON text frame from the telephony switch. Only
// the start and stop events exist; binary frames carry audio.
type controlMessage struct {
	Event        string `json:"event"`
	CallID       string `json:"call_id,omitempty"`
	CallerID     string `json:"caller_id,omitempty"`
	CalledNumber string `json:"called_number,omitempty"`
	Codec        string `json:"codec,omitempty"`
	SampleRate   int    `json:"sample_rate,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func parseControlMessage(payload []byte) (*controlMessage, error) {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("unparseable control frame: %w", err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("control frame is missing event")
	}
	return &msg, nil
}

// validStart checks the fields a start event must carry. A start missing
// any of them is a protocol error: logged and dropped, never a session.
func (m *controlMessage) validStart() error {
	if m.CallID == "" {
		return fmt.Errorf("start event is missing call_id")
	}
	if m.CallerID == "" {
		return fmt.Errorf("start event is missing caller_id")
	}
	if m.CalledNumber == "" {
		return fmt.Errorf("start event is missing called_number")
	}
	if m.Codec == "" {
		return fmt.Errorf("start event is missing codec")
	}
	if m.SampleRate <= 0 {
		return fmt.Errorf("start event carries invalid sample_rate %d", m.SampleRate)
	}
	return nil
}

type healthResponse struct {
	Status         string `json:"status"`
	Name           string `json:"name"`
	Version        string `json:"version"`
	ActiveSessions int    `json:"activeSessions"`
	MaxSessions    int    `json:"maxSessions"`
	Uptime         int64  `json:"uptime"`
}

type statsCounters struct {
	ActiveSessions int    `json:"activeSessions"`
	MaxSessions    int    `json:"maxSessions"`
	PreStartDrops  uint64 `json:"preStartDrops"`
}

type statsResponse struct {
	Stats    statsCounters     `json:"stats"`
	Sessions []sessionOverview `json:"sessions"`
}

// sessionOverview is a redacted session snapshot; caller identifiers are
// masked before they leave the process.
type sessionOverview struct {
	ID        string    `json:"id"`
	CallID    string    `json:"callId"`
	CallerID  string    `json:"callerId"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"startedAt"`
	Duration  int64     `json:"duration"`
	BytesIn   uint64    `json:"bytesIn"`
	BytesOut  uint64    `json:"bytesOut"`
}
