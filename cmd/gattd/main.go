package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gattd",
	Short: "GATT attribute server and client",
	Long: `gattd serves a GATT attribute database over framed ATT connections and
talks to other gattd instances as a client:

- serve the default, phone alert and time services on a socket
- discover services, characteristics and descriptors of a server
- read and write attribute values by handle`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (trace, debug, info, warn, error)")
}
