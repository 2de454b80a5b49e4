// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_bridge

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rapidaai/voice-bridge/config"
	internal_audio "github.com/rapidaai/voice-bridge/internal/audio"
	internal_audio_converter "github.com/rapidaai/voice-bridge/internal/audio/converter"
	internal_gateway "github.com/rapidaai/voice-bridge/internal/gateway"
	internal_session "github.com/rapidaai/voice-bridge/internal/session"
	internal_upstream "github.com/rapidaai/voice-bridge/internal/upstream"
	"github.com/rapidaai/voice-bridge/pkg/commons"
	"github.com/rapidaai/voice-bridge/pkg/utils"
)

// Server terminates telephony switch websockets and relays each call to
// its upstream AI link. One Server per process.
type Server struct {
	logger      commons.Logger
	cfg         *config.BridgeConfig
	trustedNets []*net.IPNet

	sessions  internal_session.Manager
	gateway   internal_gateway.Gateway
	converter internal_audio_converter.Converter
	factory   internal_upstream.Factory

	upgrader  websocket.Upgrader
	engine    *gin.Engine
	srv       *http.Server
	startedAt time.Time

	// Binary frames received before a start event, dropped by contract.
	preStartDrops atomic.Uint64
}

// switchConn wraps the telephony websocket so the upstream reader
// goroutine and the connection's own read loop can both write safely.
type switchConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *switchConn) WriteBinary(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *switchConn) WriteClose(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
	)
}

func (c *switchConn) Close() error {
	return c.conn.Close()
}

// NewServer wires the bridge's HTTP surface. Routes: GET /health,
// GET /stats, GET /ws.
func NewServer(
	logger commons.Logger,
	cfg *config.BridgeConfig,
	sessions internal_session.Manager,
	gateway internal_gateway.Gateway,
	converter internal_audio_converter.Converter,
	factory internal_upstream.Factory,
) (*Server, error) {
	trustedNets, err := cfg.TrustedCIDRs()
	if err != nil {
		return nil, err
	}

	server := &Server{
		logger:      logger,
		cfg:         cfg,
		trustedNets: trustedNets,
		sessions:    sessions,
		gateway:     gateway,
		converter:   converter,
		factory:     factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", server.requireAuth, server.handleHealth)
	engine.GET("/stats", server.requireAuth, server.handleStats)
	engine.GET("/ws", server.handleTalk)
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such endpoint"})
	})

	server.engine = engine
	server.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}
	return server, nil
}

// Handler exposes the router for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	s.logger.Infof("%s %s listening on %s", s.cfg.Name, s.cfg.Version, s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and tears down every live
// session.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, snap := range s.sessions.GetAllSessions() {
		s.endSession(snap.ID, "server shutdown")
	}
	return s.srv.Shutdown(ctx)
}

// ============================================================================
// admission
// ============================================================================

// authorized accepts a connection that either presents the shared token
// or originates from a trusted network. No token configured means open
// admission.
func (s *Server) authorized(c *gin.Context) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	token := c.Query("token")
	if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1 {
		return true
	}

	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		host = c.Request.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, network := range s.trustedNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// ============================================================================
// http handlers
// ============================================================================

// requireAuth guards the operational endpoints with the same check the
// websocket route applies.
func (s *Server) requireAuth(c *gin.Context) {
	if !s.authorized(c) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.sessions.GetStats()
	c.JSON(http.StatusOK, healthResponse{
		Status:         "ok",
		Name:           s.cfg.Name,
		Version:        s.cfg.Version,
		ActiveSessions: stats.ActiveSessions,
		MaxSessions:    stats.MaxSessions,
		Uptime:         int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	snapshots := s.sessions.GetAllSessions()
	overviews := make([]sessionOverview, 0, len(snapshots))
	for _, snap := range snapshots {
		overviews = append(overviews, sessionOverview{
			ID:        snap.ID,
			CallID:    utils.MaskIdentifier(snap.CallID),
			CallerID:  utils.MaskIdentifier(snap.CallerID),
			State:     string(snap.State),
			StartedAt: snap.StartedAt,
			Duration:  snap.Duration,
			BytesIn:   snap.BytesIn,
			BytesOut:  snap.BytesOut,
		})
	}
	stats := s.sessions.GetStats()
	c.JSON(http.StatusOK, statsResponse{
		Stats: statsCounters{
			ActiveSessions: stats.ActiveSessions,
			MaxSessions:    stats.MaxSessions,
			PreStartDrops:  s.preStartDrops.Load(),
		},
		Sessions: overviews,
	})
}

// handleTalk upgrades the switch connection. Authentication failures are
// reported over the upgraded socket with an application close code so
// the switch sees a deterministic reason rather than a dropped TCP
// handshake.
func (s *Server) handleTalk(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnf("websocket upgrade failed from %s: %v", c.Request.RemoteAddr, err)
		return
	}
	sc := &switchConn{conn: conn}

	if !s.authorized(c) {
		s.logger.Warnw("unauthorized switch connection",
			"remote", c.Request.RemoteAddr,
		)
		sc.WriteClose(CloseUnauthorized, "unauthorized")
		sc.Close()
		return
	}
	if !s.sessions.CanAcceptNewCall() {
		s.logger.Warnw("rejecting connection at capacity",
			"remote", c.Request.RemoteAddr,
		)
		sc.WriteClose(CloseAtCapacity, "at capacity")
		sc.Close()
		return
	}

	s.serveConn(c.Request.Context(), sc)
}

// ============================================================================
// switch read loop
// ============================================================================

// serveConn runs the per-connection read loop. Text frames are control
// events, binary frames are caller audio. Returns when the socket dies;
// any session still attached is torn down.
func (s *Server) serveConn(ctx context.Context, sc *switchConn) {
	var sessionID string
	var hadSession bool
	defer func() {
		if sessionID != "" {
			s.endSession(sessionID, "socket closed")
		}
		sc.Close()
	}()

	for {
		messageType, payload, err := sc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debugf("switch socket read: %v", err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			done := s.handleControl(ctx, sc, &sessionID, payload)
			if sessionID != "" {
				hadSession = true
			}
			if done {
				return
			}
		case websocket.BinaryMessage:
			s.handleAudio(sessionID, hadSession, payload)
		default:
			// ping/pong handled by gorilla; anything else is ignored
		}
	}
}

// handleControl dispatches one control frame. Returns true when the
// connection should be closed.
func (s *Server) handleControl(ctx context.Context, sc *switchConn, sessionID *string, payload []byte) bool {
	msg, err := parseControlMessage(payload)
	if err != nil {
		s.logger.Warnf("discarding malformed control frame: %v", err)
		return false
	}

	switch msg.Event {
	case "start":
		return s.handleStart(ctx, sc, sessionID, msg)
	case "stop":
		s.handleStop(sessionID, msg)
		return false
	default:
		s.logger.Warnf("discarding unknown control event %q", msg.Event)
		return false
	}
}

func (s *Server) handleStart(ctx context.Context, sc *switchConn, sessionID *string, msg *controlMessage) bool {
	if *sessionID != "" {
		s.logger.Warnw("ignoring start on a connection with a live session",
			"session", *sessionID,
			"call", msg.CallID,
		)
		return false
	}
	// Protocol errors drop the frame and keep the socket open; no
	// session is ever created for them.
	if err := msg.validStart(); err != nil {
		s.logger.Warnf("dropping invalid start event: %v", err)
		return false
	}
	audioConfig, err := internal_audio.ParseAudioConfig(msg.Codec, msg.SampleRate)
	if err != nil {
		s.logger.Warnw("dropping start with unusable audio format",
			"call", msg.CallID,
			"codec", msg.Codec,
			"rate", msg.SampleRate,
			"error", err.Error(),
		)
		return false
	}

	session, err := s.sessions.CreateSession(msg.CallID, msg.CallerID, msg.CalledNumber, audioConfig, sc)
	if err != nil {
		switch {
		case errors.Is(err, internal_session.ErrAtCapacity):
			sc.WriteClose(CloseAtCapacity, "at capacity")
		case errors.Is(err, internal_session.ErrDuplicateCallID):
			sc.WriteClose(websocket.ClosePolicyViolation, "duplicate call id")
		default:
			sc.WriteClose(websocket.CloseInternalServerErr, "session rejected")
		}
		s.logger.Warnw("session admission failed",
			"call", msg.CallID,
			"error", err.Error(),
		)
		return true
	}
	*sessionID = session.ID

	utils.Go(ctx, func() {
		s.gateway.NotifyCallStart(context.Background(), session.ID, msg.CallID, msg.CallerID, msg.CalledNumber)
	})
	utils.Go(ctx, func() {
		if clientContext := s.gateway.FetchCallerContext(context.Background(), msg.CallerID); clientContext != nil {
			s.sessions.SetClientContext(session.ID, clientContext)
		}
	})

	link := s.factory(s.logger, &s.cfg.Gemini, session.ID, msg.CallerID, internal_upstream.Callbacks{
		OnAudio: func(pcm []byte) {
			s.forwardToSwitch(session.ID, sc, audioConfig, pcm)
		},
		OnText: func(speaker, text string) {
			s.logger.Debugw("transcription",
				"session", session.ID,
				"speaker", speaker,
				"text", text,
			)
		},
		OnError: func(err error) {
			s.logger.Warnw("upstream link error",
				"session", session.ID,
				"error", err.Error(),
			)
		},
		OnClose: func(reason string) {
			s.endSession(session.ID, reason)
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.Gemini.ConnectTimeout)
	defer cancel()
	if err := link.Connect(connectCtx); err != nil {
		s.logger.Errorw("upstream connect failed",
			"session", session.ID,
			"call", msg.CallID,
			"error", err.Error(),
		)
		sc.WriteClose(websocket.CloseInternalServerErr, "upstream unavailable")
		s.endSession(session.ID, "upstream connect failed")
		return true
	}

	s.sessions.SetUpstream(session.ID, link)
	s.sessions.UpdateSessionState(session.ID, internal_session.StateActive)
	s.logger.Infow("call bridged",
		"session", session.ID,
		"call", msg.CallID,
	)
	return false
}

// handleAudio relays one caller audio frame to the upstream link.
// Frames before the connection's first start event are counted and
// dropped; frames after its call has ended are dropped without touching
// the pre-start counter.
func (s *Server) handleAudio(sessionID string, hadSession bool, payload []byte) {
	if sessionID == "" {
		if hadSession {
			s.logger.Debugf("dropping audio frame after call end")
		} else {
			s.preStartDrops.Add(1)
		}
		return
	}
	upstream, audioConfig, ok := s.sessions.AudioRoute(sessionID)
	if !ok {
		return
	}
	link, ok := upstream.(internal_upstream.Link)
	if !ok || !link.Connected() {
		return
	}

	s.sessions.RecordAudioIn(sessionID, len(payload))
	pcm, err := s.converter.ToUpstream(payload, audioConfig)
	if err != nil {
		s.logger.Warnf("dropping inbound frame for session %s: %v", sessionID, err)
		return
	}
	if err := link.SendAudio(pcm); err != nil {
		s.logger.Warnf("upstream send failed for session %s: %v", sessionID, err)
	}
}

// handleStop ends the session the stop names. A stop naming a different
// call than this connection's live session never tears that session
// down.
func (s *Server) handleStop(sessionID *string, msg *controlMessage) {
	if *sessionID != "" {
		snap, ok := s.sessions.GetSession(*sessionID)
		switch {
		case !ok:
			// already torn down elsewhere; fall through to the index
			*sessionID = ""
		case snap.CallID == msg.CallID:
			id := *sessionID
			*sessionID = ""
			s.endSession(id, stopReason(msg))
			return
		default:
			s.logger.Warnw("stop names a different call than this connection's session",
				"session", *sessionID,
				"call", msg.CallID,
			)
		}
	}
	if snap, ok := s.sessions.GetSessionByCallID(msg.CallID); ok {
		s.endSession(snap.ID, stopReason(msg))
		return
	}
	s.logger.Debugf("stop for unknown call %s", msg.CallID)
}

// forwardToSwitch converts one model audio frame to the switch's format
// and writes it. Called from the upstream reader goroutine.
func (s *Server) forwardToSwitch(sessionID string, sc *switchConn, audioConfig *internal_audio.AudioConfig, pcm []byte) {
	data, err := s.converter.FromUpstream(pcm, audioConfig)
	if err != nil {
		s.logger.Warnf("dropping outbound frame for session %s: %v", sessionID, err)
		return
	}
	if err := sc.WriteBinary(data); err != nil {
		s.logger.Debugf("switch write failed for session %s: %v", sessionID, err)
		return
	}
	s.sessions.RecordAudioOut(sessionID, len(data))
}

// endSession tears the session down and reports the outcome to the CRM.
func (s *Server) endSession(sessionID, reason string) {
	snap, ok := s.sessions.EndSession(sessionID, reason)
	if !ok {
		return
	}
	utils.Go(context.Background(), func() {
		s.gateway.NotifyCallEnd(
			context.Background(),
			snap.ID,
			snap.CallID,
			reason,
			time.Duration(snap.Duration)*time.Millisecond,
			snap.BytesIn,
			snap.BytesOut,
		)
	})
}

func stopReason(msg *controlMessage) string {
	if msg.Reason != "" {
		return msg.Reason
	}
	return "switch stop"
}
