// Package main provides the entry point for the go-apsecu polling service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/resident-x/go-apsecu/internal/config"
	"github.com/resident-x/go-apsecu/internal/domain"
	"github.com/resident-x/go-apsecu/internal/pubsub"
	"github.com/resident-x/go-apsecu/internal/service"
	pvoutput "github.com/resident-x/go-apsecu/internal/service/pvoutput"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	Version = "unknown" // overridden by build flags
)

func main() {
	code := run()
	os.Exit(code)
}

func run() int {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	host := flag.String("host", "", "ECU address, overrides ecu.host")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-apsecu %s\n", Version)
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}
	if *host != "" {
		cfg.ECU.Host = *host
	}

	initLogger(cfg.LogLevel)

	log.Info().Str("version", Version).Msg("Starting go-apsecu")
	cfg.Print()

	sink := newSink(ctx, cfg)
	monitoringService := newMonitoring(cfg)

	srv, err := service.NewDataCollectionServer(cfg, sink, monitoringService, Version)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create data collection server")
		return 1
	}

	if err := srv.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start data collection server")
		return 1
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping server")
		return 1
	}

	log.Info().Msg("Server stopped")
	return 0
}

// newSink returns the MQTT sink when it connects, otherwise an in-memory sink
// so the values stay readable over the API.
func newSink(ctx context.Context, cfg *config.Config) service.Sink {
	if !cfg.MQTT.Enabled {
		log.Info().Msg("MQTT disabled, keeping values in memory")
		return pubsub.NewMemorySink()
	}

	mqttSink, err := pubsub.NewMQTTSink(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create MQTT sink, keeping values in memory")
		return pubsub.NewMemorySink()
	}
	if err := mqttSink.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to connect to MQTT broker, keeping values in memory")
		return pubsub.NewMemorySink()
	}
	log.Info().Msg("MQTT sink connected")
	return mqttSink
}

func newMonitoring(cfg *config.Config) domain.MonitoringService {
	if !cfg.PVOutput.Enabled {
		return pvoutput.NewNoopClient()
	}
	client := pvoutput.NewClient(cfg)
	if err := client.Connect(); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize PVOutput client")
		return pvoutput.NewNoopClient()
	}
	return client
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
