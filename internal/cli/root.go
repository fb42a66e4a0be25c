// Package cli wires configuration, storage and servers behind the ekehid
// command line.
package cli

import (
	"github.com/spf13/cobra"

	"ekehi.network/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Version    string
	Commit     string
}

// Load reads the configuration named by --config.
func (o *RootOptions) Load() (config.Config, error) {
	return config.Load(o.ConfigPath)
}

// NewRootCommand creates the root command for ekehid.
func NewRootCommand(version, commit string) *cobra.Command {
	opts := &RootOptions{Version: version, Commit: commit}

	cmd := &cobra.Command{
		Use:           "ekehid",
		Short:         "Ekehi earning ledger and session service",
		Long:          "Runs the earning ledger, session manager and access gate, and administers their storage.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a TOML config file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewAuthorizeCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}
