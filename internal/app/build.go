// Package app is the composition root: it builds every component from config
// and wires them together in dependency order.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/nmorag/attune/internal/broker"
	"github.com/nmorag/attune/internal/config"
	"github.com/nmorag/attune/internal/httpapi"
	"github.com/nmorag/attune/internal/observability"
	"github.com/nmorag/attune/internal/session"
	"github.com/nmorag/attune/internal/store"
	"github.com/nmorag/attune/internal/transport"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Sessions  *session.Manager
	Transport *transport.Controller
	Capture   *transport.RTPCapture
	Metrics   *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	sessionStore, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}

	credentials := broker.NewClient(broker.Config{
		SessionsURL: cfg.RealtimeSessionsURL,
		APIKey:      cfg.RealtimeAPIKey,
		Model:       cfg.RealtimeModel,
		Voice:       cfg.RealtimeVoice,
	})

	capture := transport.NewRTPCapture()
	controller := transport.NewController(transport.Config{
		BaseURL:            cfg.RealtimeBaseURL,
		Model:              cfg.RealtimeModel,
		Voice:              cfg.RealtimeVoice,
		TranscriptionModel: cfg.TranscriptionModel,
		STUNServer:         cfg.STUNServer,
		Temperature:        cfg.Temperature,
		MaxResponseTokens:  cfg.MaxResponseTokens,
	}, credentials, capture, func() transport.PlaybackSink {
		return transport.NewBufferedPlayback()
	}, metrics)

	sessions := session.NewManager(
		sessionStore,
		controller,
		metrics,
		cfg.SessionsPerCycle,
		cfg.SessionDurationCap,
		cfg.HeartbeatInterval,
	)
	sessions.AttachStreams(controller.Parser().UserTurns(), controller.Parser().AgentTurns())

	api := httpapi.New(cfg, sessions, credentials, metrics)

	cleanup := func() error {
		var errs []string
		controller.Stop()
		if err := sessionStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Sessions:  sessions,
		Transport: controller,
		Capture:   capture,
		Metrics:   metrics,
		Cleanup:   cleanup,
	}, nil
}
