package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/KevoDB/logcask/pkg/common/log"
	"github.com/KevoDB/logcask/pkg/config"
	"github.com/KevoDB/logcask/pkg/engine"
	"github.com/KevoDB/logcask/pkg/telemetry"
)

const version = "0.1.0"

type rootOptions struct {
	configFile      string
	syncMode        string
	logLevel        string
	compactionRatio float64
	telemetry       bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "logcask [data_dir]",
		Short: "Interactive shell for a logcask data directory",
		Long: `logcask opens a log-structured key-value store and reads commands
from an interactive prompt, or from standard input when it is not a terminal.

Type .help at the prompt for the list of commands.`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var dir string
			if len(args) > 0 {
				dir = args[0]
			}
			if err := run(cmd, opts, dir); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "JSON configuration file")
	flags.StringVar(&opts.syncMode, "sync", "", "sync mode: none, batch or always")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.Float64Var(&opts.compactionRatio, "compaction-ratio", 0, "dead byte ratio that triggers compaction")
	flags.BoolVar(&opts.telemetry, "telemetry", false, "export metrics and traces to stderr")

	return cmd
}

// loadConfig builds the engine configuration. Precedence, lowest first:
// defaults, config file, LOGCASK_* environment, flags.
func loadConfig(cmd *cobra.Command, opts *rootOptions, dir string) (*config.Config, error) {
	var cfg *config.Config
	if opts.configFile != "" {
		loaded, err := config.LoadConfig(opts.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		if dir == "" {
			dir = "."
		}
		cfg = config.NewDefaultConfig(dir)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	var flagErr error
	cfg.Update(func(c *config.Config) {
		if dir != "" {
			c.DataDir = dir
		}
		if cmd.Flags().Changed("sync") {
			mode, err := config.ParseSyncMode(opts.syncMode)
			if err != nil {
				flagErr = err
				return
			}
			c.SyncMode = mode
		}
		if cmd.Flags().Changed("log-level") {
			c.LogLevel = opts.logLevel
		}
		if cmd.Flags().Changed("compaction-ratio") {
			c.CompactionRatio = opts.compactionRatio
		}
	})
	if flagErr != nil {
		return nil, flagErr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cmd *cobra.Command, opts *rootOptions, dir string) error {
	cfg, err := loadConfig(cmd, opts, dir)
	if err != nil {
		return err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := log.NewStandardLogger(log.WithLevel(level), log.WithOutput(os.Stderr))

	telCfg := telemetry.DefaultConfig()
	telCfg.ServiceVersion = version
	telCfg.LoadFromEnv()
	if opts.telemetry {
		telCfg.Enabled = true
	}
	telCfg.Output = os.Stderr
	tel, err := telemetry.New(telCfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			logger.Warn("Telemetry shutdown failed: %v", err)
		}
	}()

	eng, err := engine.Open(cfg, engine.WithLogger(logger), engine.WithTelemetry(tel))
	if err != nil {
		return fmt.Errorf("opening %s: %w", cfg.DataDir, err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("Closing %s: %v", cfg.DataDir, err)
		}
	}()

	sh := newShell(eng, os.Stdout)
	if readline.IsTerminal(int(os.Stdin.Fd())) {
		return sh.runInteractive(cfg.DataDir)
	}
	return sh.runBatch(os.Stdin)
}
