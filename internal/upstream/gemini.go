// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/voice-bridge/config"
	"github.com/rapidaai/voice-bridge/pkg/commons"
)

// Callbacks carries the per-session event handlers a link invokes from
// its reader goroutine. OnClose fires at most once; after it no further
// callback is delivered.
type Callbacks struct {
	// OnAudio receives a decoded model audio frame (linear16 24kHz).
	OnAudio func(pcm []byte)
	// OnText receives input/output transcription fragments.
	OnText func(speaker, text string)
	// OnError receives asynchronous link failures.
	OnError func(err error)
	// OnClose fires when the link is finished, locally or remotely.
	OnClose func(reason string)
}

// Link is one streaming connection to the conversational AI endpoint,
// owned by exactly one session.
type Link interface {
	// Connect dials the endpoint, performs the setup handshake and starts
	// the reader. Audio may be sent once Connect returns nil.
	Connect(ctx context.Context) error

	// SendAudio forwards one chunk of linear16 16kHz audio. Safe to call
	// after close; frames are dropped silently then.
	SendAudio(pcm []byte) error

	Connected() bool
	Close() error
}

// Factory builds a Link for a new session. Injected into the bridge
// server so tests can substitute a fake endpoint.
type Factory func(logger commons.Logger, cfg *config.GeminiConfig, sessionID, callerID string, cb Callbacks) Link

// Gemini Live BidiGenerateContent message shapes.
type setupMessage struct {
	Setup struct {
		Model                    string           `json:"model"`
		GenerationConfig         generationConfig `json:"generationConfig"`
		SystemInstruction        *content         `json:"systemInstruction,omitempty"`
		InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
		OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
	} `json:"setup"`
}

type generationConfig struct {
	ResponseModalities string       `json:"responseModalities"`
	SpeechConfig       speechConfig `json:"speechConfig"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInput struct {
	RealtimeInput struct {
		MediaChunks []blob `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *struct {
		ModelTurn *struct {
			Parts []part `json:"parts"`
		} `json:"modelTurn,omitempty"`
		TurnComplete       bool `json:"turnComplete,omitempty"`
		InputTranscription *struct {
			Text string `json:"text"`
		} `json:"inputTranscription,omitempty"`
		OutputTranscription *struct {
			Text string `json:"text"`
		} `json:"outputTranscription,omitempty"`
	} `json:"serverContent,omitempty"`
}

type geminiLink struct {
	logger    commons.Logger
	cfg       *config.GeminiConfig
	sessionID string
	callerID  string
	callbacks Callbacks

	conn    *websocket.Conn
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// NewGeminiLink creates an unconnected link to the Gemini Live endpoint
// for one session.
func NewGeminiLink(logger commons.Logger, cfg *config.GeminiConfig, sessionID, callerID string, cb Callbacks) Link {
	return &geminiLink{
		logger:    logger,
		cfg:       cfg,
		sessionID: sessionID,
		callerID:  callerID,
		callbacks: cb,
		done:      make(chan struct{}),
	}
}

func (g *geminiLink) Connect(ctx context.Context) error {
	url := g.cfg.Host
	if g.cfg.ApiKey != "" {
		url = fmt.Sprintf("%s?key=%s", g.cfg.Host, g.cfg.ApiKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: g.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing upstream: %w", err)
	}

	// HandshakeTimeout covers only the dial; the setup exchange below
	// must be bounded too or an endpoint that upgrades and goes silent
	// wedges the whole call setup.
	deadline := time.Now().Add(g.cfg.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	var setup setupMessage
	setup.Setup.Model = g.cfg.Model
	setup.Setup.GenerationConfig.ResponseModalities = "audio"
	setup.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = g.cfg.Voice
	setup.Setup.InputAudioTranscription = &struct{}{}
	setup.Setup.OutputAudioTranscription = &struct{}{}

	if err := conn.WriteJSON(setup); err != nil {
		conn.Close()
		return fmt.Errorf("upstream setup write: %w", err)
	}

	// The endpoint acknowledges the setup before any media may flow.
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("upstream setup response: %w", err)
	}
	var ack serverMessage
	if err := json.Unmarshal(msg, &ack); err != nil {
		conn.Close()
		return fmt.Errorf("upstream setup parse: %w", err)
	}
	if ack.SetupComplete == nil {
		conn.Close()
		return fmt.Errorf("upstream rejected setup: %s", string(msg))
	}

	// handshake done; the streaming phase has no per-read deadline
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	g.conn = conn
	go g.responseListener()

	g.logger.Infow("upstream link established",
		"session", g.sessionID,
		"model", g.cfg.Model,
	)
	return nil
}

func (g *geminiLink) SendAudio(pcm []byte) error {
	select {
	case <-g.done:
		return nil
	default:
	}
	if g.conn == nil {
		return fmt.Errorf("upstream link is not connected")
	}

	var input realtimeInput
	input.RealtimeInput.MediaChunks = []blob{{
		MimeType: "audio/pcm;rate=16000",
		Data:     base64.StdEncoding.EncodeToString(pcm),
	}}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := g.conn.WriteJSON(input); err != nil {
		return fmt.Errorf("upstream audio write: %w", err)
	}
	return nil
}

func (g *geminiLink) Connected() bool {
	select {
	case <-g.done:
		return false
	default:
		return g.conn != nil
	}
}

// responseListener drains server messages until the socket dies or the
// link is closed locally.
func (g *geminiLink) responseListener() {
	for {
		_, msg, err := g.conn.ReadMessage()
		if err != nil {
			select {
			case <-g.done:
				// Local close already reported.
			default:
				g.logger.Warnw("upstream link read failed",
					"session", g.sessionID,
					"error", err.Error(),
				)
				g.finish("upstream closed")
			}
			return
		}
		g.handleServerMessage(msg)
	}
}

func (g *geminiLink) handleServerMessage(msg []byte) {
	var resp serverMessage
	if err := json.Unmarshal(msg, &resp); err != nil {
		g.logger.Warnf("discarding malformed upstream message for session %s: %v", g.sessionID, err)
		if g.callbacks.OnError != nil {
			g.callbacks.OnError(fmt.Errorf("malformed upstream message: %w", err))
		}
		return
	}
	if resp.ServerContent == nil {
		return
	}

	if t := resp.ServerContent.InputTranscription; t != nil && t.Text != "" && g.callbacks.OnText != nil {
		g.callbacks.OnText("caller", t.Text)
	}
	if t := resp.ServerContent.OutputTranscription; t != nil && t.Text != "" && g.callbacks.OnText != nil {
		g.callbacks.OnText("assistant", t.Text)
	}

	if resp.ServerContent.ModelTurn != nil && g.callbacks.OnAudio != nil {
		for _, p := range resp.ServerContent.ModelTurn.Parts {
			if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MimeType, "audio/pcm") {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				g.logger.Warnf("discarding undecodable upstream audio for session %s: %v", g.sessionID, err)
				continue
			}
			g.callbacks.OnAudio(pcm)
		}
	}
}

// finish transitions the link to closed exactly once and notifies the
// owner.
func (g *geminiLink) finish(reason string) {
	g.closeOnce.Do(func() {
		close(g.done)
		if g.conn != nil {
			g.writeMu.Lock()
			g.conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			g.writeMu.Unlock()
			g.conn.Close()
		}
		if g.callbacks.OnClose != nil {
			g.callbacks.OnClose(reason)
		}
	})
}

func (g *geminiLink) Close() error {
	g.finish("link closed")
	return nil
}
