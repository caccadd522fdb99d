// Command mewc-indexerd is the indexer daemon entrypoint: it loads
// configuration, opens the three backing stores, wires the engine's main
// loop together, and runs it until an operator signal or fatal error stops
// it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "mewc-indexerd",
		Short: "Chain indexer daemon for the asset-enabled UTXO model",
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("mewc-indexerd (unreleased)")
			return nil
		},
	}
}
