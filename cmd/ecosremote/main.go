package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "ecosremote",
		Short: "Remote control for an ECoS model railroad command station",
		Long: `ecosremote talks to an ECoS command station over its text protocol
on TCP port 15471. It lists trains, drives them, switches their functions
and toggles the layout-wide emergency stop.

Settings come from an optional YAML file (--config), ECOS_* environment
variables and the flags below, in increasing priority.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	flags.StringVar(&opts.host, "host", "", "Command station host")
	flags.IntVarP(&opts.port, "port", "p", 0, "Command station port")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		trainsCmd(opts),
		functionsCmd(opts),
		speedCmd(opts),
		directionCmd(opts),
		functionCmd(opts),
		stopCmd(opts),
		goCmd(opts),
		watchCmd(opts),
		simulateCmd(opts),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
