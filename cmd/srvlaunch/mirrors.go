package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/srvlaunch/srvlaunch/internal/engine"
	"github.com/srvlaunch/srvlaunch/internal/mirror"
)

var mirrorsTag string

func newMirrorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirrors [URL]",
		Short: "Probe the download mirrors without downloading",
		Long: `Probe every configured mirror the way "run" does and print the measured
throughput. Without a URL the current release asset is probed.`,
		Example: `  srvlaunch mirrors
  srvlaunch mirrors --tag v1.2.0
  srvlaunch mirrors https://github.com/acme/server/releases/download/v1.2.0/server.jar`,
		Args: cobra.MaximumNArgs(1),
		RunE: mirrorsRun,
	}

	cmd.Flags().StringVar(&mirrorsTag, "tag", "", "release tag to probe (default from config, else latest)")
	return cmd
}

func mirrorsRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	launcher, err := engine.NewLauncher(globalCfg, "", nil, nil, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	origin, err := mirrorsOrigin(ctx, launcher, args)
	if err != nil {
		return err
	}

	sel, err := launcher.SelectMirror(ctx, origin)
	if err != nil {
		return err
	}

	printSelection(cmd, sel)
	return nil
}

func mirrorsOrigin(ctx context.Context, launcher *engine.Launcher, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	rel, asset, err := launcher.Resolve(ctx, mirrorsTag)
	if err != nil {
		return "", err
	}
	logger.Info("probing release asset", "tag", rel.TagName, "asset", asset.Name)
	return asset.BrowserDownloadURL, nil
}

func printSelection(cmd *cobra.Command, sel *mirror.Selection) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "%-2s %-12s %12s %10s  %s\n", "", "Mirror", "Speed", "Time", "Result")
	fmt.Fprintln(out, strings.Repeat("-", 60))

	for _, r := range sel.Results {
		marker := ""
		if r.Tag == sel.Tag {
			marker = "*"
		}
		speed, elapsed, result := "-", "-", "ok"
		if r.OK {
			speed = humanize.Bytes(uint64(r.BytesPerSecond)) + "/s"
			elapsed = r.Elapsed.Round(time.Millisecond).String()
		} else {
			result = r.Error
		}
		fmt.Fprintf(out, "%-2s %-12s %12s %10s  %s\n", marker, r.Tag, speed, elapsed, result)
	}

	fmt.Fprintf(out, "\nselected %s: %s\n", sel.Tag, sel.URL)
}
