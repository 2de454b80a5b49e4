// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/voice-bridge/config"
	internal_audio_converter "github.com/rapidaai/voice-bridge/internal/audio/converter"
	internal_bridge "github.com/rapidaai/voice-bridge/internal/bridge"
	internal_gateway "github.com/rapidaai/voice-bridge/internal/gateway"
	internal_session "github.com/rapidaai/voice-bridge/internal/session"
	internal_upstream "github.com/rapidaai/voice-bridge/internal/upstream"
	"github.com/rapidaai/voice-bridge/pkg/commons"
)

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("reading configuration: %v", err)
	}
	cfg, err := config.GetBridgeConfig(vConfig)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := commons.NewApplicationLogger(commons.WithLevel(cfg.LogLevel))
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer logger.Sync()

	sessions := internal_session.NewManager(logger, cfg.MaxSessions)
	gateway := internal_gateway.NewCrmGateway(logger, &cfg.Crm)
	converter, err := internal_audio_converter.GetConverter(logger)
	if err != nil {
		logger.Fatalf("building audio converter: %v", err)
	}

	server, err := internal_bridge.NewServer(
		logger, cfg, sessions, gateway, converter,
		internal_upstream.NewGeminiLink,
	)
	if err != nil {
		logger.Fatalf("building bridge server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(server.Start)
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Infof("shutdown signal received, draining sessions")

		// In-flight close handshakes get the configured grace period;
		// a wedged drain must not keep the process alive past it.
		hardExit := time.AfterFunc(cfg.ShutdownTimeout+5*time.Second, func() {
			logger.Errorf("shutdown stalled, exiting")
			os.Exit(1)
		})
		defer hardExit.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Fatalf("bridge terminated: %v", err)
	}
	logger.Infof("bridge stopped")
}
