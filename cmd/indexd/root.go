package main

import (
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nainya/indexedcollections/internal/config"
)

// Set at link time
var (
	Version   = "v0.0.0-dev"
	BuildTime = "unknown"
)

// NewRootCommand builds the indexd command tree
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "indexd",
		Short: "Secondary indexes for collections of entities.",
		Long: `indexd maintains collection membership and attribute indexes
over an ordered column store, and answers exact and range
queries over them through a gRPC service.

` + versionInfo() + "\n",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.SetAllConfig(viper.New(), cmd.Flags())
		},
	}
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")

	rc.AddCommand(newServeCommand(stdout, stderr))
	rc.AddCommand(newConfigCommand(stdout))
	rc.AddCommand(newVersionCommand(stdout))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

func versionInfo() string {
	return "indexd " + Version + ", build time " + BuildTime
}
