package cli

import (
	"fmt"

	"github.com/harun/chatgate/internal/config"
	"github.com/harun/chatgate/internal/daemon"
	"github.com/harun/chatgate/internal/logger"
	"github.com/spf13/cobra"
)

var watchConfig bool

var startCmd = &cobra.Command{
	Use:     "start",
	Aliases: []string{"serve"},
	Short:   "Start the chatgate daemon in the foreground",
	Long: `Start the chatgate daemon in the foreground.
Persisted sessions are restored, the control plane starts listening and the
process runs until SIGINT or SIGTERM, then shuts down within shutdown_grace.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&watchConfig, "watch-config", true, "reload API credentials when the config file changes")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	if watchConfig {
		if err := d.WatchConfig(config.NewLoader(cfgFile)); err != nil {
			log.Warn().Err(err).Msg("Config watcher unavailable, credential changes require a restart")
		}
	}

	return d.Wait()
}
