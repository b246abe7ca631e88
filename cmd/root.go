package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stevelea/evconduit-homeassistant/internal/config"
)

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "evconduit-bridge",
	Short: "EVConduit to home-automation bridge",
	Long: `A bridge between the EVConduit EV-fleet backend and a home-automation
platform.

It polls the backend for user and vehicle status, republishes the data
as MQTT state topics, accepts push webhooks for real-time updates,
relays telemetry to A Better Route Planner, and exposes charging and
odometer control actions over a local HTTP API.`,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
}

// CreateLoggerFromConfig creates a logger from configuration
func CreateLoggerFromConfig(logCfg config.LoggingConfig) (*zap.Logger, error) {
	// Parse log level
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(logCfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	// Create logger configuration
	var zapConfig zap.Config
	if logCfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)

	// If log file is specified, log ONLY to file
	if logCfg.File != "" {
		zapConfig.OutputPaths = []string{logCfg.File}
		zapConfig.ErrorOutputPaths = []string{logCfg.File}
	}

	return zapConfig.Build()
}
