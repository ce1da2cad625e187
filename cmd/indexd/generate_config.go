package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/nainya/indexedcollections/internal/config"
)

func newConfigCommand(stdout io.Writer) *cobra.Command {
	confCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers.",
	}

	// Flags let generate print a default config adjusted by the caller
	cfg := config.NewConfig()
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Print the configuration as TOML.",
		Long: `generate prints the effective configuration to stdout.
With no flags, environment or config file it prints the defaults.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = stdout.Write(data)
			return err
		},
	}
	cfg.Flags(generateCmd.Flags())

	confCmd.AddCommand(generateCmd)
	return confCmd
}
