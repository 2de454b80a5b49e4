// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rapidaai/voice-bridge/config"
	"github.com/rapidaai/voice-bridge/pkg/commons"
)

// Gateway is the outbound integration with the CRM backend. Every
// operation is advisory: the call proceeds identically whether the CRM
// answers, errors or is disabled, so failures are logged and swallowed.
type Gateway interface {
	// FetchCallerContext looks up the opaque caller record. Returns nil
	// when the gateway is disabled or the lookup fails.
	FetchCallerContext(ctx context.Context, callerID string) json.RawMessage

	NotifyCallStart(ctx context.Context, sessionID, callID, callerID, calledNumber string)
	NotifyCallEnd(ctx context.Context, sessionID, callID, reason string, duration time.Duration, bytesIn, bytesOut uint64)
}

type crmGateway struct {
	logger  commons.Logger
	client  *resty.Client
	enabled bool
}

// NewCrmGateway builds the CRM gateway. An empty base URL yields a
// disabled gateway whose operations are all no-ops.
func NewCrmGateway(logger commons.Logger, cfg *config.CrmConfig) Gateway {
	gateway := &crmGateway{
		logger:  logger,
		enabled: cfg.BaseUrl != "",
	}
	if !gateway.enabled {
		logger.Infof("crm gateway disabled, no base url configured")
		return gateway
	}

	client := resty.New().
		SetBaseURL(cfg.BaseUrl).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.ApiKey != "" {
		client.SetAuthToken(cfg.ApiKey)
	}
	gateway.client = client
	return gateway
}

func (g *crmGateway) FetchCallerContext(ctx context.Context, callerID string) json.RawMessage {
	if !g.enabled || callerID == "" {
		return nil
	}
	start := time.Now()
	resp, err := g.client.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/internal/callers/%s/context", callerID))
	g.logger.Benchmark("crm.FetchCallerContext", time.Since(start))
	if err != nil {
		g.logger.Warnw("caller context lookup failed",
			"error", err.Error(),
		)
		return nil
	}
	if resp.StatusCode() != 200 {
		g.logger.Warnw("caller context lookup rejected",
			"status", resp.StatusCode(),
		)
		return nil
	}
	return json.RawMessage(resp.Body())
}

func (g *crmGateway) NotifyCallStart(ctx context.Context, sessionID, callID, callerID, calledNumber string) {
	if !g.enabled {
		return
	}
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"sessionId":    sessionID,
			"callId":       callID,
			"callerId":     callerID,
			"calledNumber": calledNumber,
			"startedAt":    time.Now().UTC().Format(time.RFC3339),
		}).
		Post("/internal/calls/start")
	if err != nil {
		g.logger.Warnw("call start notification failed", "call", callID, "error", err.Error())
		return
	}
	if resp.StatusCode() >= 300 {
		g.logger.Warnw("call start notification rejected", "call", callID, "status", resp.StatusCode())
	}
}

func (g *crmGateway) NotifyCallEnd(ctx context.Context, sessionID, callID, reason string, duration time.Duration, bytesIn, bytesOut uint64) {
	if !g.enabled {
		return
	}
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"sessionId":  sessionID,
			"callId":     callID,
			"reason":     reason,
			"durationMs": duration.Milliseconds(),
			"bytesIn":    bytesIn,
			"bytesOut":   bytesOut,
			"endedAt":    time.Now().UTC().Format(time.RFC3339),
		}).
		Post("/internal/calls/end")
	if err != nil {
		g.logger.Warnw("call end notification failed", "call", callID, "error", err.Error())
		return
	}
	if resp.StatusCode() >= 300 {
		g.logger.Warnw("call end notification rejected", "call", callID, "status", resp.StatusCode())
	}
}
