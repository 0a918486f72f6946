package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rifqi/dexa/internal/config"
	"github.com/rifqi/dexa/internal/daemon"
	"github.com/rifqi/dexa/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dexa daemon",
	Long: `Run the dexa daemon: the gateway server, the session store, and
background maintenance. Stops cleanly on SIGINT/SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	logs, err := logger.New(logger.Config{
		Level:     level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
		MaxSizeMB: 100,
		MaxAge:    7,
		Compress:  true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	d, err := daemon.New(cfg, logs.Zerolog())
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(loader, logs.Zerolog(), d.ApplyConfig)
	if err != nil {
		zl := logs.Zerolog()
		zl.Warn().Err(err).Msg("Config watching unavailable")
	} else {
		defer watcher.Stop()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}
