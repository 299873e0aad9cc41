package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/internal/runtime"
)

func newServeCommand() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := setupLogging(cfg.Logging, debug)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := runtime.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			logger.Info("starting kestrel", "version", version, "config", configPath)
			return rt.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "kestrel.yaml", "path to the config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "lower the log level to debug")
	return cmd
}

// setupLogging installs the process-wide logger: JSON to stderr by default,
// text when configured, debug level when either the config or the flag
// asks for it.
func setupLogging(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
