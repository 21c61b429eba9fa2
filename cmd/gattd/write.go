package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var writeCmd = &cobra.Command{
	Use:   "write <handle> <hex>",
	Short: "Write an attribute value by handle",
	Long: `Writes a hex encoded value to an attribute. Values that do not fit one
Write Request are sent as prepared writes and committed together.

Examples:
  # Silence the ringer through the Ringer Control Point
  gattd write 0x0010 01

  # Write without waiting for a response
  gattd write 0x0010 01 --no-response

  # Separators between bytes are ignored
  gattd write 0x0020 "de:ad:be:ef"`,
	Args: cobra.ExactArgs(2),
	RunE: runWrite,
}

var (
	writeID         string
	writeTimeout    time.Duration
	writeNoResponse bool
)

func init() {
	addClientFlags(writeCmd, &writeID, &writeTimeout)
	writeCmd.Flags().BoolVar(&writeNoResponse, "no-response", false, "Send a Write Command instead of a Write Request")
}

func runWrite(cmd *cobra.Command, args []string) error {
	handle, err := parseHandle(args[0])
	if err != nil {
		return err
	}
	value, err := hex.DecodeString(normalizeHex(args[1]))
	if err != nil {
		return fmt.Errorf("invalid hex value %q: %w", args[1], err)
	}
	cmd.SilenceUsage = true

	ctx, cancel := context.WithTimeout(cmd.Context(), writeTimeout)
	defer cancel()

	client, sess, err := dial(ctx, cmd, writeID)
	if err != nil {
		return err
	}
	defer client.Close()

	if writeNoResponse {
		err = sess.WriteWithoutResponse(handle, value)
	} else {
		err = sess.WriteCharacteristic(ctx, handle, value)
	}
	if err != nil {
		return fmt.Errorf("write 0x%04X: %w", handle, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to 0x%04X\n", len(value), handle)
	return nil
}
