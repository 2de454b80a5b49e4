// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_upstream

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voice-bridge/config"
	"github.com/rapidaai/voice-bridge/pkg/commons"
)

// ============================================================================
// Test helpers
// ============================================================================

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeEndpoint is a minimal Gemini Live stand-in: it acknowledges setup
// and then runs script against the live socket.
func fakeEndpoint(t *testing.T, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var setup setupMessage
		require.NoError(t, conn.ReadJSON(&setup))
		assert.Equal(t, "models/test-model", setup.Setup.Model)
		assert.Equal(t, "audio", setup.Setup.GenerationConfig.ResponseModalities)

		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"setupComplete": map[string]interface{}{},
		}))
		if script != nil {
			script(conn)
		}
	}))
}

func testGeminiConfig(serverURL string) *config.GeminiConfig {
	return &config.GeminiConfig{
		Host:           "ws" + strings.TrimPrefix(serverURL, "http"),
		Model:          "models/test-model",
		Voice:          "Puck",
		ConnectTimeout: 2 * time.Second,
	}
}

func newTestLink(t *testing.T, serverURL string, cb Callbacks) Link {
	logger, _ := commons.NewApplicationLogger()
	return NewGeminiLink(logger, testGeminiConfig(serverURL), "session-1", "+15550100", cb)
}

// ============================================================================
// Connect
// ============================================================================

func TestConnect_CompletesSetupHandshake(t *testing.T) {
	server := fakeEndpoint(t, nil)
	defer server.Close()

	link := newTestLink(t, server.URL, Callbacks{})
	require.NoError(t, link.Connect(context.Background()))
	assert.True(t, link.Connected())
	link.Close()
	assert.False(t, link.Connected())
}

func TestConnect_FailsWhenEndpointUnreachable(t *testing.T) {
	link := newTestLink(t, "http://127.0.0.1:1", Callbacks{})
	err := link.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, link.Connected())
}

func TestConnect_FailsOnSetupRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		var setup setupMessage
		require.NoError(t, conn.ReadJSON(&setup))
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"error": "bad model",
		}))
	}))
	defer server.Close()

	link := newTestLink(t, server.URL, Callbacks{})
	err := link.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected setup")
}

func TestConnect_TimesOutWhenSetupAckNeverArrives(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		var setup setupMessage
		require.NoError(t, conn.ReadJSON(&setup))
		// never acknowledge; hold the socket until the client gives up
		conn.ReadMessage()
	}))
	defer server.Close()

	cfg := testGeminiConfig(server.URL)
	cfg.ConnectTimeout = 300 * time.Millisecond
	logger, _ := commons.NewApplicationLogger()
	link := NewGeminiLink(logger, cfg, "session-1", "+15550100", Callbacks{})

	errs := make(chan error, 1)
	go func() { errs <- link.Connect(context.Background()) }()

	select {
	case err := <-errs:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "setup response")
		assert.False(t, link.Connected())
	case <-time.After(2 * time.Second):
		t.Fatal("Connect never returned after its setup-ack timeout expired")
	}
}

func TestConnect_HonoursContextDeadlineForSetupAck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		var setup setupMessage
		require.NoError(t, conn.ReadJSON(&setup))
		conn.ReadMessage()
	}))
	defer server.Close()

	// link-level timeout is generous; the caller's context is tighter
	link := newTestLink(t, server.URL, Callbacks{})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	errs := make(chan error, 1)
	go func() { errs <- link.Connect(ctx) }()

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-time.After(1 * time.Second):
		t.Fatal("Connect outlived the caller's context deadline")
	}
}

// ============================================================================
// SendAudio
// ============================================================================

func TestSendAudio_DeliversMediaChunk(t *testing.T) {
	received := make(chan realtimeInput, 1)
	server := fakeEndpoint(t, func(conn *websocket.Conn) {
		var input realtimeInput
		if err := conn.ReadJSON(&input); err == nil {
			received <- input
		}
	})
	defer server.Close()

	link := newTestLink(t, server.URL, Callbacks{})
	require.NoError(t, link.Connect(context.Background()))
	defer link.Close()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	require.NoError(t, link.SendAudio(pcm))

	select {
	case input := <-received:
		require.Len(t, input.RealtimeInput.MediaChunks, 1)
		chunk := input.RealtimeInput.MediaChunks[0]
		assert.Equal(t, "audio/pcm;rate=16000", chunk.MimeType)
		assert.Equal(t, base64.StdEncoding.EncodeToString(pcm), chunk.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint never received the media chunk")
	}
}

func TestSendAudio_AfterCloseIsSilentlyDropped(t *testing.T) {
	server := fakeEndpoint(t, nil)
	defer server.Close()

	link := newTestLink(t, server.URL, Callbacks{})
	require.NoError(t, link.Connect(context.Background()))
	link.Close()

	assert.NoError(t, link.SendAudio([]byte{0x01}))
}

// ============================================================================
// Server messages
// ============================================================================

func TestResponseListener_DeliversAudioAndTranscripts(t *testing.T) {
	audioPayload := []byte{0x10, 0x20, 0x30, 0x40}
	server := fakeEndpoint(t, func(conn *websocket.Conn) {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"serverContent": map[string]interface{}{
				"inputTranscription": map[string]string{"text": "hello"},
				"modelTurn": map[string]interface{}{
					"parts": []map[string]interface{}{{
						"inlineData": map[string]string{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(audioPayload),
						},
					}},
				},
			},
		}))
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"serverContent": map[string]interface{}{
				"outputTranscription": map[string]string{"text": "hi there"},
			},
		}))
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	var mu sync.Mutex
	var audio [][]byte
	var texts []string
	done := make(chan struct{}, 2)

	link := newTestLink(t, server.URL, Callbacks{
		OnAudio: func(pcm []byte) {
			mu.Lock()
			audio = append(audio, pcm)
			mu.Unlock()
			done <- struct{}{}
		},
		OnText: func(speaker, text string) {
			mu.Lock()
			texts = append(texts, speaker+":"+text)
			mu.Unlock()
			done <- struct{}{}
		},
	})
	require.NoError(t, link.Connect(context.Background()))
	defer link.Close()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("callbacks never fired")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, audio)
	assert.Equal(t, audioPayload, audio[0])
	assert.Contains(t, texts, "caller:hello")
}

func TestResponseListener_RemoteCloseFiresOnCloseOnce(t *testing.T) {
	server := fakeEndpoint(t, func(conn *websocket.Conn) {
		// return immediately so the deferred close drops the socket
	})
	defer server.Close()

	closed := make(chan string, 2)
	link := newTestLink(t, server.URL, Callbacks{
		OnClose: func(reason string) { closed <- reason },
	})
	require.NoError(t, link.Connect(context.Background()))

	select {
	case reason := <-closed:
		assert.Equal(t, "upstream closed", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("close callback never fired")
	}

	// a later local close must not re-fire the callback
	link.Close()
	select {
	case <-closed:
		t.Fatal("close callback fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleServerMessage_IgnoresMalformedPayload(t *testing.T) {
	errs := make(chan error, 1)
	server := fakeEndpoint(t, func(conn *websocket.Conn) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	link := newTestLink(t, server.URL, Callbacks{
		OnError: func(err error) { errs <- err },
	})
	require.NoError(t, link.Connect(context.Background()))
	defer link.Close()

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "malformed")
	case <-time.After(2 * time.Second):
		t.Fatal("error callback never fired")
	}
	// the link survives a bad frame
	assert.True(t, link.Connected())
}
