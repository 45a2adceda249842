package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/srvlaunch/srvlaunch/internal/engine"
	"github.com/srvlaunch/srvlaunch/internal/release"
)

var releasesLimit int

func newReleasesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "releases",
		Short: "List the repository's releases and their matching assets",
		Long: `List releases of the configured repository with the asset that matches
release.asset_pattern. The release "run" would pick is marked with *.`,
		Example: `  srvlaunch releases
  srvlaunch releases --limit 5`,
		Args: cobra.NoArgs,
		RunE: releasesRun,
	}

	cmd.Flags().IntVar(&releasesLimit, "limit", 20, "maximum number of releases to show (0 for all)")
	return cmd
}

func releasesRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalCfg.Release.Owner == "" || globalCfg.Release.Repo == "" {
		return fmt.Errorf("release.owner and release.repo are required")
	}

	launcher, err := engine.NewLauncher(globalCfg, "", nil, nil, logger)
	if err != nil {
		return err
	}

	releases, err := launcher.Releases(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(releases) == 0 {
		fmt.Fprintln(out, "No releases found.")
		return nil
	}

	picked, _ := release.Pick(releases, globalCfg.Release.Tag, globalCfg.Release.AllowPrerelease)

	fmt.Fprintf(out, "%-2s %-20s %-12s %-10s %s\n", "", "Tag", "Published", "Kind", "Asset")
	fmt.Fprintln(out, strings.Repeat("-", 70))

	for i := range releases {
		if releasesLimit > 0 && i >= releasesLimit {
			fmt.Fprintf(out, "... %d more\n", len(releases)-i)
			break
		}
		r := &releases[i]

		marker := ""
		if picked != nil && picked.TagName == r.TagName {
			marker = "*"
		}
		published := "-"
		if r.PublishedAt != nil {
			published = r.PublishedAt.Format("2006-01-02")
		}
		kind := "release"
		switch {
		case r.Draft:
			kind = "draft"
		case r.Prerelease:
			kind = "pre"
		}
		asset := "(no match)"
		if a, err := r.Asset(globalCfg.Release.AssetPattern); err == nil {
			asset = a.Name
			if a.Size > 0 {
				asset += " (" + humanize.Bytes(uint64(a.Size)) + ")"
			}
		}

		fmt.Fprintf(out, "%-2s %-20s %-12s %-10s %s\n", marker, r.TagName, published, kind, asset)
	}

	return nil
}
