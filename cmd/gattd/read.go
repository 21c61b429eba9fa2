package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var readCmd = &cobra.Command{
	Use:   "read <handle>",
	Short: "Read an attribute value by handle",
	Long: `Reads the full value of an attribute, following up with Read Blob requests
for values longer than one response.

Examples:
  # Read the Device Name
  gattd read 0x0003

  # Print raw bytes instead of hex
  gattd read 3 --raw`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

var (
	readID      string
	readTimeout time.Duration
	readRaw     bool
)

func init() {
	addClientFlags(readCmd, &readID, &readTimeout)
	readCmd.Flags().BoolVar(&readRaw, "raw", false, "Write the raw value instead of hex")
}

func runRead(cmd *cobra.Command, args []string) error {
	handle, err := parseHandle(args[0])
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, cancel := context.WithTimeout(cmd.Context(), readTimeout)
	defer cancel()

	client, sess, err := dial(ctx, cmd, readID)
	if err != nil {
		return err
	}
	defer client.Close()

	value, err := sess.ReadCharacteristic(ctx, handle)
	if err != nil {
		return fmt.Errorf("read 0x%04X: %w", handle, err)
	}

	out := cmd.OutOrStdout()
	if readRaw {
		_, err = out.Write(value)
		return err
	}
	fmt.Fprintln(out, hex.EncodeToString(value))
	return nil
}
