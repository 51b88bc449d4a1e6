// File: cmd/hubd/root.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/momentics/hioload-reactor/control"
)

// rootOptions holds global flags and what PersistentPreRunE builds from
// them.
type rootOptions struct {
	configPath string
	logLevel   string

	cfg    *control.Config
	logger *zap.Logger
	level  zap.AtomicLevel
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "hubd",
		Short:         "Single-threaded HTTP, WebSocket and PostgreSQL hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML config (defaults when empty)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newQueryCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func (o *rootOptions) load() error {
	cfg := control.DefaultConfig()
	if o.configPath != "" {
		loaded, err := control.LoadConfig(o.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
	}
	logger, level, err := control.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	o.cfg, o.logger, o.level = cfg, logger, level
	return nil
}
