package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/srvlaunch/srvlaunch/internal/config"
)

var (
	initOwner string
	initRepo  string
	initForce bool
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage srvlaunch configuration. Subcommands allow viewing and modifying
configuration settings.`,
		Example: `  srvlaunch config init --owner acme --repo server
  srvlaunch config show
  srvlaunch config set download.workers 16`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigSetCmd(),
		newConfigInitCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration in YAML format, with any command-line
overrides applied.`,
		Example: `  srvlaunch config show
  srvlaunch config show --config /srv/mc/srvlaunch.yaml`,
		Args: cobra.NoArgs,
		RunE: configShowRun,
	}
}

func configShowRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	data, err := yaml.Marshal(globalCfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# %s\n", cfgPath)
	fmt.Fprint(out, string(data))
	return nil
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set a configuration value",
		Long: `Set a configuration value using dot-notation for nested keys.
Changes are written back to the config file. List values such as
java.jvm_args are comma-separated.

Examples:
  release.tag v1.2.0
  download.workers 16
  download.limit_rate 10MB/s
  java.jvm_args -Xms2G,-Xmx4G`,
		Example: `  srvlaunch config set download.workers 16
  srvlaunch config set download.probe false`,
		Args: cobra.ExactArgs(2),
		RunE: configSetRun,
	}
}

func configSetRun(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	// Edit the file as stored so flag overrides are not persisted.
	cfg, err := config.Load(cfgPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.DefaultConfig()
	} else if err != nil {
		return err
	}

	if err := cfg.Set(key, value); err != nil {
		return err
	}
	if err := cfg.Save(cfgPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	logger.Info("set configuration", "key", key, "value", value, "path", cfgPath)
	return nil
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: `Write a config file with default settings to the --config path, or to
srvlaunch.yaml in the working directory.`,
		Example: `  srvlaunch config init --owner acme --repo server
  srvlaunch config init --config ~/.config/srvlaunch/srvlaunch.yaml --force`,
		Args: cobra.NoArgs,
		RunE: configInitRun,
	}

	cmd.Flags().StringVar(&initOwner, "owner", "", "GitHub owner of the release repository")
	cmd.Flags().StringVar(&initRepo, "repo", "", "GitHub release repository")
	cmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	return cmd
}

func configInitRun(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cfgPath); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
	}

	cfg := config.DefaultConfig()
	cfg.Release.Owner = initOwner
	cfg.Release.Repo = initRepo
	if installDir != "" {
		cfg.Install.Dir = installDir
	}

	if err := cfg.Save(cfgPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgPath)
	return nil
}
