package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/srvlaunch/srvlaunch/internal/config"
	"github.com/srvlaunch/srvlaunch/internal/engine"
	"github.com/srvlaunch/srvlaunch/internal/store"
)

const version = "0.3.0"

var (
	// Global flags
	cfgPath    string
	installDir string
	logLevel   string
	logFormat  string
	quiet      bool

	globalCfg *config.Config
	logger    *slog.Logger

	// exitCode is the server's exit code once it has run.
	exitCode int
)

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "srvlaunch",
		Short: "Download the latest server release through the fastest mirror and start it",
		Long: `srvlaunch keeps a Java server up to date from its GitHub releases. It picks
the newest release asset, probes the configured download mirrors, fetches the
artifact from the fastest one with parallel range requests, verifies it and
starts it with java.

Running srvlaunch without a subcommand is the same as "srvlaunch run".`,
		Example: `  srvlaunch
  srvlaunch run --tag v1.20.4 --workers 4
  srvlaunch mirrors
  srvlaunch releases
  srvlaunch history
  srvlaunch config init --owner acme --repo server`,
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         runRun,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(cmd.ErrOrStderr())

			if !quiet {
				fmt.Fprintf(cmd.ErrOrStderr(), "srvlaunch %s\n", version)
			}

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&installDir, "install-dir", "", "override install directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")
	addRunFlags(cmd)

	cmd.AddCommand(
		newRunCmd(),
		newMirrorsCmd(),
		newReleasesCmd(),
		newHistoryCmd(),
		newConfigCmd(),
	)

	return cmd
}

// loadConfig resolves the config path, loads it and applies flag overrides.
// Without a config file the defaults are used and later writes go to
// config.FileName in the working directory.
func loadConfig() error {
	if cfgPath == "" {
		found, err := config.FindConfigFile()
		if err != nil {
			logger.Debug("config file not found, using defaults", "error", err)
			cfgPath = config.FileName
		} else {
			cfgPath = found
		}
	}

	cfg, err := config.Load(cfgPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg = config.DefaultConfig()
	case err != nil:
		return fmt.Errorf("failed to load config: %w", err)
	}

	if installDir != "" {
		cfg.Install.Dir = installDir
	}

	globalCfg = cfg
	logger.Debug("config loaded", "path", cfgPath, "install_dir", cfg.Install.Dir)
	return nil
}

// setupLogging initializes the slog logger based on flags
func setupLogging(w io.Writer) {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelError {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"completion": true,
	}
	return skipConfigCmds[cmdName]
}

// openStore opens the launch history database.
func openStore() (*store.Store, error) {
	path := globalCfg.DBPath()
	if err := os.MkdirAll(globalCfg.Install.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating install directory: %w", err)
	}
	st, err := store.New(path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database %s: %w", path, err)
	}
	return st, nil
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}
}

// newReporter renders progress on stderr, overwriting the line on a terminal.
func newReporter(cmd *cobra.Command) *engine.Reporter {
	if quiet {
		return engine.NewReporter(nil, false)
	}
	w := cmd.ErrOrStderr()
	inline := false
	if f, ok := w.(*os.File); ok {
		inline = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return engine.NewReporter(w, inline)
}
