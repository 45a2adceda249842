package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/srvlaunch/srvlaunch/internal/engine"
)

var (
	runForce   bool
	runNoProbe bool
	runWorkers int
	runTag     string
	runDryRun  bool
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Update the server artifact if needed and start it",
		Long: `Resolve the configured release, download its asset through the fastest
mirror unless the copy on disk is already current, then start it with java in
the install directory. The server's exit code becomes srvlaunch's exit code.

Use --dry-run to stop after the artifact is ready.`,
		Example: `  srvlaunch run
  srvlaunch run --force --workers 16
  srvlaunch run --no-probe --tag v1.2.0
  srvlaunch run --dry-run`,
		Args: cobra.NoArgs,
		RunE: runRun,
	}

	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&runForce, "force", false, "download even if the artifact on disk is current")
	cmd.Flags().BoolVar(&runNoProbe, "no-probe", false, "skip mirror probing and download from GitHub directly")
	cmd.Flags().IntVar(&runWorkers, "workers", 0, "parallel download connections (default from config)")
	cmd.Flags().StringVar(&runTag, "tag", "", "release tag to launch (default from config, else latest)")
	cmd.Flags().BoolVar(&runDryRun, "dry-run", false, "prepare the artifact but do not start the server")
}

func runRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if err := globalCfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	if runWorkers < 0 {
		return fmt.Errorf("--workers must not be negative")
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)

	launcher, err := engine.NewLauncher(globalCfg, cfgPath, st, newReporter(cmd), logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	art, err := launcher.Prepare(ctx, engine.Options{
		Force:   runForce,
		NoProbe: runNoProbe,
		Workers: runWorkers,
		Tag:     runTag,
	})
	if err != nil {
		return err
	}

	if !quiet {
		out := cmd.ErrOrStderr()
		if art.Skipped {
			fmt.Fprintf(out, "%s %s is up to date\n", art.Asset, art.Tag)
		} else {
			fmt.Fprintf(out, "%s %s: %s via %s in %s (%d workers)\n",
				art.Asset, art.Tag, humanize.Bytes(uint64(art.Size)), art.Mirror,
				art.Duration.Round(10*time.Millisecond), art.Workers)
		}
		fmt.Fprintf(out, "sha256 %s\n", art.SHA256)
	}

	if runDryRun {
		fmt.Fprintln(cmd.OutOrStdout(), art.Path)
		return nil
	}

	code, err := launcher.Exec(ctx, art, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	exitCode = code
	return nil
}
