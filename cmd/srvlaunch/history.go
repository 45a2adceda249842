package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var historyLimit int

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent launches and mirror statistics",
		Long: `Show the most recent launches recorded in the history database together
with per-mirror probe statistics collected across all launches.`,
		Example: `  srvlaunch history
  srvlaunch history --limit 50`,
		Args: cobra.NoArgs,
		RunE: historyRun,
	}

	cmd.Flags().IntVar(&historyLimit, "limit", 10, "number of launches to show (0 for all)")
	return cmd
}

func historyRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)

	launches, err := st.ListLaunches(historyLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(launches) == 0 {
		fmt.Fprintln(out, "No launches recorded.")
		return nil
	}

	fmt.Fprintln(out, "Recent Launches")
	fmt.Fprintln(out, "===============")
	fmt.Fprintf(out, "%-16s %-8s %-14s %-10s %10s %8s %8s\n", "Started", "Run", "Tag", "Status", "Size", "Mirror", "Took")
	fmt.Fprintln(out, strings.Repeat("-", 82))
	for _, l := range launches {
		size, took, mirrorTag := "-", "-", "-"
		if l.Size > 0 {
			size = humanize.Bytes(uint64(l.Size))
		}
		if !l.EndTime.IsZero() && l.EndTime.After(l.StartTime) {
			took = l.EndTime.Sub(l.StartTime).Round(time.Second).String()
		}
		if l.MirrorTag != "" {
			mirrorTag = l.MirrorTag
		}
		fmt.Fprintf(out, "%-16s %-8s %-14s %-10s %10s %8s %8s\n",
			l.StartTime.Local().Format("2006-01-02 15:04"), shortID(l.RunID), l.Tag, l.Status, size, mirrorTag, took)
		if l.ErrorMessage != "" {
			fmt.Fprintf(out, "  error: %s\n", l.ErrorMessage)
		}
	}

	stats, err := st.MirrorStats()
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Mirrors")
	fmt.Fprintln(out, "=======")
	fmt.Fprintf(out, "%-12s %8s %8s %14s %9s\n", "Mirror", "Probes", "OK", "Avg Speed", "Selected")
	fmt.Fprintln(out, strings.Repeat("-", 55))
	for _, s := range stats {
		avg := "-"
		if s.Successes > 0 {
			avg = humanize.Bytes(uint64(s.AvgBytesPerSecond)) + "/s"
		}
		fmt.Fprintf(out, "%-12s %8d %8d %14s %9d\n", s.Tag, s.Probes, s.Successes, avg, s.Selected)
	}

	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
