package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/agentcore/internal/config"
	"github.com/harun/agentcore/internal/daemon"
	"github.com/harun/agentcore/internal/logger"
)

var noWatch bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agentcore daemon",
	Long: `Start the agentcore daemon in the foreground.
The daemon recovers entity state from snapshots, starts the message bus,
the runner and the optional gateway, and stops on SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file when it changes")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if pid, err := daemon.RunningPID(cfg.DataDir); err == nil {
		return fmt.Errorf("daemon is already running (pid %d)", pid)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
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
		return err
	}

	if err := d.Start(); err != nil {
		return err
	}

	if !noWatch {
		if err := d.WatchConfig(config.NewLoader(cfgFile)); err != nil {
			cliLog := log.Component("cli")
			cliLog.Warn().Err(err).Msg("Config hot reload disabled")
		}
	}

	d.Wait()
	return nil
}
