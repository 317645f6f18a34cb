package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:   "netintercept",
		Short: "Intercept and pause browser network requests over a JSON protocol",
		Long: `netintercept bridges a JSON command protocol onto the browser debugging
channel. Clients register intercepts (URL patterns + phases); matching requests
are paused and reported as events until the client resolves them.

Configuration is read from the file given by --config; environment variables
with the NETINTERCEPT_ prefix override it, e.g. NETINTERCEPT_SERVER_ADDR.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	root.AddCommand(newServeCmd(&cfgFile), newConfigCmd(), newVersionCmd())
	return root
}
