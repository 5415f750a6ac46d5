// nexuslb-bench drives dispatch load into a NexusLB dispatcher over the
// RDMA transport and reports reply statistics. With --loopback it embeds a
// dispatcher in-process on the simulated fabric, which exercises the full
// path without hardware.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	root := &cobra.Command{
		Use:   "nexuslb-bench",
		Short: "Load generator for the NexusLB dispatcher",
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.PersistentPreRun = func(*cobra.Command, []string) {
		if debug {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	}
	root.AddCommand(newDispatchCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

var debug bool
