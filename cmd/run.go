package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/stevelea/evconduit-homeassistant/internal/api"
	"github.com/stevelea/evconduit-homeassistant/internal/bridge"
	"github.com/stevelea/evconduit-homeassistant/internal/config"
	"github.com/stevelea/evconduit-homeassistant/internal/metrics"
	"github.com/stevelea/evconduit-homeassistant/internal/mqtt"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge service",
	Long: `Start the bridge service for the configured vehicle.

The service will:
- Poll the EVConduit backend for user and vehicle status
- Republish vehicle state to the MQTT broker
- Accept push webhooks for real-time updates
- Relay telemetry to A Better Route Planner when configured
- Accept control commands via the local HTTP API`,
	RunE: runService,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runService(cmd *cobra.Command, args []string) error {
	// Load configuration first
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Create logger from config
	logger, err := CreateLoggerFromConfig(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	// Initialize Datadog tracing if enabled
	if cfg.Datadog.Enabled {
		tracer.Start(
			tracer.WithService(cfg.Datadog.ServiceName),
			tracer.WithEnv(cfg.Datadog.Environment),
			tracer.WithAgentAddr(fmt.Sprintf("%s:%d", cfg.Datadog.AgentHost, cfg.Datadog.AgentPort)),
		)
		defer tracer.Stop()
		logger.Info("Datadog tracing initialized",
			zap.String("service", cfg.Datadog.ServiceName),
			zap.String("environment", cfg.Datadog.Environment),
		)
	}

	metrics.RegisterDefault()

	logger.Info("Starting EVConduit bridge")
	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Backend.Environment),
		zap.String("vehicle_id", cfg.Backend.VehicleID),
		zap.Int("poll_interval_minutes", cfg.Backend.PollIntervalMinutes),
		zap.Bool("mqtt_enabled", cfg.MQTT.Enabled),
		zap.Bool("abrp_enabled", cfg.ABRP.Token != ""),
		zap.Bool("datadog_enabled", cfg.Datadog.Enabled),
	)

	// Initialize MQTT publisher if enabled
	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher, err = mqtt.NewPublisher(
			cfg.MQTT.Broker,
			cfg.MQTT.Port,
			cfg.MQTT.Username,
			cfg.MQTT.Password,
			cfg.MQTT.ClientID,
			cfg.MQTT.TopicPrefix,
			logger.Named("mqtt"),
		)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT publisher: %w", err)
		}
		defer publisher.Close()
	}

	// Create the bridge service
	service, err := bridge.New(cfg, logger, publisher)
	if err != nil {
		return fmt.Errorf("failed to create bridge service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start the service; the first refresh must succeed
	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge service: %w", err)
	}
	defer service.Stop()

	// Start API server for push webhooks and control commands
	apiAddr := fmt.Sprintf(":%d", cfg.Network.APIPort)
	apiServer := api.NewServer(service, logger.Named("api"), apiAddr, cfg.Auth)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("API server failed", zap.Error(err))
			cancel()
		}
	}()

	logger.Info("EVConduit bridge is running. Press Ctrl+C to stop.")
	logger.Info("API server listening", zap.String("url", fmt.Sprintf("http://localhost%s", apiAddr)))

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Shutting down bridge service")
	return nil
}
