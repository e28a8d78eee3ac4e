// Command vecu-tester is a DoIP/UDS diagnostic client for exercising a
// running vecud instance: read and write NVRAM parameters, enter a
// programming session, and push a firmware image end to end.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var addr string

func main() {
	rootCmd := &cobra.Command{
		Use:           "vecu-tester",
		Short:         "DoIP/UDS diagnostic client for the simulated ECU",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&addr, "addr", "localhost:13400", "ECU DoIP address")

	rootCmd.AddCommand(newIdentifyCmd())
	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newSetCmd())
	rootCmd.AddCommand(newProgramCmd())
	rootCmd.AddCommand(newUpdateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vecu-tester: %v\n", err)
		os.Exit(1)
	}
}
