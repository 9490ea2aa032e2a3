// Package cmd implements the CLI commands for encmux.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/encmux/internal/config"
	"github.com/jmylchreest/encmux/internal/observability"
	"github.com/jmylchreest/encmux/internal/version"
)

var (
	// cfgFile holds the config file path from CLI flag.
	cfgFile string

	// appCfg is the configuration loaded before every command runs.
	appCfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     version.ApplicationName,
	Short:   "Encode rendered frames and PCM audio into media containers",
	Version: version.Short(),
	Long: `encmux drives a video encoder fed from a drawing surface and an audio
encoder fed from PCM buffers, and muxes their output into MP4, fragmented
MP4, MPEG-TS or Matroska files.

Encoding is delegated to ffmpeg. Every run can be recorded in a database
for later inspection.`,
	SilenceUsage: true,
	// PersistentPreRunE is set in init() to avoid initialization cycle
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// initialize references rootCmd.PersistentFlags
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initialize()
	}

	// Global flags
	// These flags are NOT bound to viper. They only override config/env
	// values when explicitly set: CLI flag > env var > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, ./configs, /etc/encmux, $HOME/.encmux)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

// initialize loads the configuration and installs the default logger.
func initialize() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	flags := rootCmd.PersistentFlags()
	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		cfg.Logging.Level = strings.ToLower(level)
	}
	if flags.Changed("log-format") {
		format, _ := flags.GetString("log-format")
		cfg.Logging.Format = strings.ToLower(format)
	}
	// "warning" is accepted as an alias for "warn"
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	var logger *slog.Logger
	if cfg.Logging.File != "" {
		logger = observability.NewLogger(cfg.Logging)
	} else {
		// stdout carries command output
		logger = observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	}
	observability.SetDefault(logger.With(slog.String("app", version.ApplicationName)))

	appCfg = cfg
	return nil
}
