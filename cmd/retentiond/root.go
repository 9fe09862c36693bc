package main

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	version           = "v1.1.0"
	defaultConfigPath = "config/retentiond.yaml"
)

func Execute(ctx context.Context) error {
	var verbose bool

	root := &cobra.Command{
		Use:     "retentiond",
		Short:   "Retention tuning service for clip rendering",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(serveCmd(), scoreCmd(), loopCmd(), presetsCmd())
	return root.ExecuteContext(ctx)
}

func addConfigFlag(fs *pflag.FlagSet, target *string) {
	fs.StringVar(target, "config", defaultConfigPath, "path to the service config file")
}
