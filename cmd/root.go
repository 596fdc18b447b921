package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/andresmejia3/featurepipe/internal/bus"
	"github.com/andresmejia3/featurepipe/internal/config"
	"github.com/andresmejia3/featurepipe/internal/status"
	"github.com/andresmejia3/featurepipe/internal/utils"
	"github.com/charmbracelet/fang"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Options holds the flags shared by every stage command
type Options struct {
	ConfigFile     string
	LogLevel       string
	DB             string
	StatusAddr     string
	HighWaterMark  int
	DropPolicy     string
	ConnectTimeout time.Duration
}

var (
	rootOpts Options
	// cfg is the resolved configuration: defaults, then --config, then environment, then flags
	cfg config.Config
	// logger is the process logger configured from --log-level
	logger = slog.Default()
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "featurepipe",
	Short: "Image feature extraction pipeline: produce, extract, persist",
	Long: `featurepipe runs one stage of a three-process pipeline per invocation.

  featurepipe produce ./images   # publish frames on tcp://*:5555
  featurepipe extract            # frames in, keypoints out on tcp://*:5556
  featurepipe persist            # archive every payload into SQLite or PostgreSQL`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load .env file if present (ignore errors)
		_ = godotenv.Load()

		resolved, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		cfg = resolved

		level, err := parseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command with SIGINT/SIGTERM cancelling the command context.
func Execute() error {
	return fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(Version),
		fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM),
	)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&rootOpts.ConfigFile, "config", "c", "", "YAML configuration file")
	pf.StringVar(&rootOpts.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&rootOpts.DB, "db", "featurepipe.db", "Archive: SQLite file path or postgres:// connection string")
	pf.StringVar(&rootOpts.StatusAddr, "status-addr", "", "Serve /healthz and /stats on this address (e.g. :8080)")
	pf.IntVar(&rootOpts.HighWaterMark, "hwm", 10, "Per-subscriber queue bound before messages are dropped")
	pf.StringVar(&rootOpts.DropPolicy, "drop-policy", "drop-newest", "What a full queue discards: drop-newest or drop-oldest")
	pf.DurationVar(&rootOpts.ConnectTimeout, "connect-timeout", 5*time.Second, "How long a subscriber keeps trying to reach its publisher")
}

// flagOr returns the flag value when the user set it, otherwise the configured value.
func flagOr[T any](cmd *cobra.Command, name string, flagVal, cfgVal T) T {
	if cmd.Flags().Changed(name) {
		return flagVal
	}
	return cfgVal
}

// resolveConfig layers the root flags over the loaded configuration and
// validates the result.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	loaded, err := config.Load(rootOpts.ConfigFile)
	if err != nil {
		return loaded, err
	}
	c := applyRootFlags(cmd, loaded)
	return c, c.Validate()
}

func applyRootFlags(cmd *cobra.Command, c config.Config) config.Config {
	c.LogLevel = flagOr(cmd, "log-level", rootOpts.LogLevel, c.LogLevel)
	c.Persister.DB = flagOr(cmd, "db", rootOpts.DB, c.Persister.DB)
	c.StatusAddr = flagOr(cmd, "status-addr", rootOpts.StatusAddr, c.StatusAddr)
	c.Bus.HighWaterMark = flagOr(cmd, "hwm", rootOpts.HighWaterMark, c.Bus.HighWaterMark)
	c.Bus.DropPolicy = flagOr(cmd, "drop-policy", rootOpts.DropPolicy, c.Bus.DropPolicy)
	return c
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// stageLogger tags every line with the stage name.
func stageLogger(stage string) *slog.Logger {
	return logger.With("stage", stage)
}

// busOptions translates the bus settings. An invalid drop policy is fatal.
func busOptions(log *slog.Logger) []bus.Option {
	policy, err := bus.ParseDropPolicy(cfg.Bus.DropPolicy)
	if err != nil {
		utils.Die("Invalid drop policy", err, nil)
	}
	return []bus.Option{
		bus.WithHighWaterMark(cfg.Bus.HighWaterMark),
		bus.WithDropPolicy(policy),
		bus.WithConnectTimeout(rootOpts.ConnectTimeout),
		bus.WithLogger(log),
	}
}

// startStatus serves the status endpoint when --status-addr is set.
func startStatus(ctx context.Context, stage string, log *slog.Logger, stats status.StatsFunc) {
	if cfg.StatusAddr == "" {
		return
	}
	if err := status.New(stage, stats, log).Start(ctx, cfg.StatusAddr); err != nil {
		utils.Die("Failed to start status endpoint", err, nil)
	}
}
