// Package service wires the polling engine, state sink, HTTP API, scheduler
// and monitoring upload into one application server.
package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/resident-x/go-apsecu/internal/api"
	"github.com/resident-x/go-apsecu/internal/config"
	"github.com/resident-x/go-apsecu/internal/domain"
	"github.com/resident-x/go-apsecu/internal/engine"
	"github.com/resident-x/go-apsecu/internal/metrics"
	"github.com/resident-x/go-apsecu/internal/pubsub"
	"github.com/resident-x/go-apsecu/internal/scheduler"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sink is a state sink whose values can be listed.
type Sink interface {
	domain.StateSink
	Values() map[string]interface{}
}

// DataCollectionServer polls the ECU and distributes the decoded values.
type DataCollectionServer struct {
	config     *config.Config
	engine     *engine.Engine
	sink       Sink
	monitoring domain.MonitoringService
	apiServer  *api.Server
	scheduler  *scheduler.DailyScheduler
	registry   *prometheus.Registry
	logger     zerolog.Logger
	startTime  time.Time
}

// NewDataCollectionServer creates a new data collection server instance.
func NewDataCollectionServer(cfg *config.Config, sink Sink, monitoring domain.MonitoringService, version string) (*DataCollectionServer, error) {
	logger := log.With().Str("component", "server").Logger()

	opts, err := engine.OptionsFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("engine options: %w", err)
	}

	registry := metrics.NewRegistry()
	opts.Sink = sink
	opts.Monitoring = monitoring
	opts.Metrics = metrics.NewEngineMetrics(registry)
	opts.Logger = log.Logger

	schedulerConfig, err := scheduler.ConfigFromApp(cfg)
	if err != nil {
		return nil, err
	}

	eng := engine.New(opts)
	server := &DataCollectionServer{
		config:     cfg,
		engine:     eng,
		sink:       sink,
		monitoring: monitoring,
		scheduler:  scheduler.New(eng, schedulerConfig, log.Logger),
		registry:   registry,
		logger:     logger,
	}

	if mqttSink, ok := sink.(*pubsub.MQTTSink); ok {
		mqttSink.SetCommandHandler(eng)
	}

	if cfg.API.Enabled {
		server.apiServer = api.NewServer(cfg, eng, sink,
			api.WithMetrics(metrics.Handler(registry)),
			api.WithVersion(version),
		)
	}

	return server, nil
}

// Engine returns the polling engine.
func (s *DataCollectionServer) Engine() *engine.Engine {
	return s.engine
}

// APIHandler returns the HTTP handler of the API, or nil when the API is disabled.
func (s *DataCollectionServer) APIHandler() http.Handler {
	if s.apiServer == nil {
		return nil
	}
	return s.apiServer.GetRouter()
}

// Start starts the API and the scheduler and, with ecu.autostart, begins polling.
func (s *DataCollectionServer) Start(ctx context.Context) error {
	s.startTime = time.Now()

	if s.apiServer != nil {
		if err := s.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if !s.config.ECU.Autostart {
		s.logger.Info().Msg("Autostart disabled, waiting for start command")
		return nil
	}
	if s.config.ECU.Host == "" {
		s.logger.Warn().Msg("No ECU host configured, waiting for start command")
		return nil
	}

	if err := s.engine.Start(s.config.ECU.Host, s.config.ECU.Port); err != nil {
		return fmt.Errorf("failed to start polling: %w", err)
	}
	s.logger.Info().
		Str("host", s.config.ECU.Host).
		Int("port", s.config.ECU.Port).
		Dur("poll_interval", s.config.PollInterval()).
		Msg("Polling started")
	return nil
}

// Stop gracefully shuts down all server components.
func (s *DataCollectionServer) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping server")

	if err := s.scheduler.Stop(); err != nil {
		s.logger.Debug().Err(err).Msg("Scheduler was not running")
	}

	unloaded := make(chan struct{})
	go func() {
		s.engine.Unload()
		close(unloaded)
	}()
	select {
	case <-unloaded:
	case <-ctx.Done():
		return fmt.Errorf("engine did not unload: %w", ctx.Err())
	}

	if s.apiServer != nil {
		if err := s.apiServer.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop API server")
		}
	}

	if closer, ok := s.sink.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to close state sink")
		}
	}

	if err := s.monitoring.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close monitoring service")
	}

	return nil
}

// GetMetrics returns server level metrics.
func (s *DataCollectionServer) GetMetrics() map[string]interface{} {
	status := s.engine.Status()
	return map[string]interface{}{
		"uptime":            time.Since(s.startTime).String(),
		"state":             status.State.String(),
		"polling":           status.Polling,
		"cycles":            status.Cycles,
		"last_cycle_result": status.LastCycleResult,
		"inverters":         s.engine.Registry().Len(),
		"values":            len(s.sink.Values()),
		"scheduler":         s.scheduler.GetMetrics(),
	}
}
