package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/gattd/wire/gatt"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List the services, characteristics and descriptors of a server",
	Long: `Connects to the configured server and walks its attribute table with the
discovery procedures: primary services, then the characteristics of each
service, then the descriptors of each characteristic.

Examples:
  gattd discover
  gattd discover --config client.yaml --log-level debug`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

var (
	discoverID      string
	discoverTimeout time.Duration
)

func init() {
	addClientFlags(discoverCmd, &discoverID, &discoverTimeout)
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	ctx, cancel := context.WithTimeout(cmd.Context(), discoverTimeout)
	defer cancel()

	client, sess, err := dial(ctx, cmd, discoverID)
	if err != nil {
		return err
	}
	defer client.Close()

	cache, err := sess.DiscoverAll(ctx)
	if err != nil {
		return err
	}
	printDiscovery(cmd.OutOrStdout(), cache)
	return nil
}

var (
	serviceColor = color.New(color.FgCyan, color.Bold)
	charColor    = color.New(color.FgGreen)
	descColor    = color.New(color.FgYellow)
	handleColor  = color.New(color.Faint)
)

// printDiscovery writes cache as an indented tree in handle order.
func printDiscovery(w io.Writer, cache *gatt.DiscoveryCache) {
	for _, svc := range cache.Services {
		fmt.Fprintf(w, "%s %s\n",
			handleColor.Sprintf("[0x%04X-0x%04X]", svc.StartHandle, svc.EndHandle),
			serviceColor.Sprintf("Service %s", gatt.UUIDString(svc.UUID)))

		for _, c := range cache.Characteristics[svc.StartHandle] {
			fmt.Fprintf(w, "  %s %s %s\n",
				handleColor.Sprintf("[0x%04X]", c.ValueHandle),
				charColor.Sprintf("Characteristic %s", gatt.UUIDString(c.UUID)),
				propertyNames(c.Properties))

			for _, d := range cache.Descriptors[c.ValueHandle] {
				fmt.Fprintf(w, "    %s %s\n",
					handleColor.Sprintf("[0x%04X]", d.Handle),
					descColor.Sprintf("Descriptor %s", gatt.UUIDString(d.UUID)))
			}
		}
	}
}

var propertyLabels = []struct {
	bit  uint8
	name string
}{
	{gatt.PropBroadcast, "broadcast"},
	{gatt.PropRead, "read"},
	{gatt.PropWriteWithoutResponse, "write-without-response"},
	{gatt.PropWrite, "write"},
	{gatt.PropNotify, "notify"},
	{gatt.PropIndicate, "indicate"},
	{gatt.PropAuthenticatedSignedWrites, "signed-write"},
	{gatt.PropExtendedProperties, "extended"},
}

func propertyNames(props uint8) string {
	var names []string
	for _, l := range propertyLabels {
		if props&l.bit != 0 {
			names = append(names, l.name)
		}
	}
	return "(" + strings.Join(names, ", ") + ")"
}
