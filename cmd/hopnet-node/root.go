package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"hopnet/internal/config"
	"hopnet/internal/paths"
	"hopnet/internal/telemetry"
)

// cli is the state shared by every subcommand once the root has run.
type cli struct {
	cfgPath  string
	dataDir  string
	logLevel string

	cfg *config.Config
	log *logrus.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "hopnet-node",
		Short:        "Source-routed fragment protocol node",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return c.load()
		},
	}
	root.PersistentFlags().StringVarP(&c.cfgPath, "config", "c", "", "config file (default: hopnet.yaml in ., ./configs or ~/.hopnet)")
	root.PersistentFlags().StringVar(&c.dataDir, "data-dir", "", "directory for topology databases (overrides data_dir)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")

	root.AddCommand(
		newSimulateCmd(c),
		newRelayCmd(c),
		newConnectCmd(c),
		newTopologyCmd(c),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := config.Load(c.cfgPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}
	log, err := telemetry.New(telemetry.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.log = log
	return nil
}

// storeDir resolves the data directory, falling back to the per-user default.
func (c *cli) storeDir() (string, error) {
	dir := c.cfg.DataDir
	if dir == "" {
		dir = paths.DefaultDataDir()
	}
	dir, err := paths.EnsureDir(dir)
	if err != nil {
		return "", fmt.Errorf("data dir: %w", err)
	}
	return dir, nil
}
