// Command hubd serves and inspects workspace module data.
//
//	hubd serve                     run the gateway
//	hubd seed --user u1            create a demo workspace
//	hubd tab files contracts -w ID render a tab, --watch to follow it
//	hubd modules                   print the module catalog
//	hubd account register EMAIL    create a gateway account
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// flagConfig is set by the --config flag.
	flagConfig string
	flagJSON   bool
	flagDriver string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hubd",
	Short: "hubd serves workspace-scoped module data",
	Long: `hubd runs the hubs gateway over a configured data source and renders
module tabs in the terminal, live.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: ./hubs.yaml when present)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output as JSON")
	rootCmd.PersistentFlags().StringVar(&flagDriver, "driver", "", "source driver: memory, sqlite, postgres or remote (overrides source.driver)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(tabCmd)
	rootCmd.AddCommand(modulesCmd)
	rootCmd.AddCommand(accountCmd)
}
