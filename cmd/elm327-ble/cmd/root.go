package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/elm327-ble/internal/config"
)

const (
	flagConfig   = "config"
	flagLogLevel = "log-level"
)

var rootCmd = &cobra.Command{
	Use:          "elm327-ble",
	Short:        "OBD-II telemetry from an ELM327 Bluetooth LE adapter",
	SilenceUsage: true,
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP(flagConfig, "c", "", "path to config file (default: ~/.config/elm327-ble/config.yaml)")
	pf.String(flagLogLevel, "", "override log_level (debug, info, warn, error)")
}

// loadConfig loads the config from the --config path, or falls back to the
// default config path, or uses built-in defaults. It installs the slog
// handler for the configured level.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString(flagConfig)
	cfg, source, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	if lvl, _ := cmd.Flags().GetString(flagLogLevel); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	if source == "" {
		slog.Info("No config file found, using defaults")
	} else {
		slog.Info("Config loaded", "path", source)
	}
	return cfg, nil
}

func readConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, defaultPath, nil
	}
	return config.Default(), "", nil
}
