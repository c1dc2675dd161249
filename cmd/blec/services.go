package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sensegrid/blecentral/internal/bledb"
	"github.com/sensegrid/blecentral/pkg/ble"
)

// servicesCmd represents the services command
var servicesCmd = &cobra.Command{
	Use:   "services <device-address>",
	Short: "Discover and list a device's GATT services",
	Long: `Connects to a device and prints its GATT database: every service, its
characteristics, and their properties. Well-known UUIDs are shown by name.

Examples:
  blec services AA:BB:CC:DD:EE:FF
  blec services AA:BB:CC:DD:EE:FF --timeout 10s`,
	Args: cobra.ExactArgs(1),
	RunE: runServices,
}

var servicesTimeout time.Duration

func init() {
	servicesCmd.Flags().DurationVar(&servicesTimeout, "timeout", 30*time.Second, "Connect timeout")
}

func runServices(cmd *cobra.Command, args []string) error {
	address := args[0]

	client, _, err := newClient(cmd)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx := context.Background()
	sess, err := client.Connect(ctx, address, ble.ConnectOptions{Timeout: servicesTimeout})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	defer func() { _ = sess.Disconnect() }()

	tree, err := sess.DiscoverServices(ctx)
	if err != nil {
		return fmt.Errorf("failed to discover services: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tCHARACTERISTIC\tPROPERTIES")
	for _, svc := range tree.Services() {
		svcLabel := bledb.Name(svc.UUID())
		chars := svc.Characteristics()
		if len(chars) == 0 {
			fmt.Fprintf(w, "%s\t\t\n", svcLabel)
			continue
		}
		for _, char := range chars {
			fmt.Fprintf(w, "%s\t%s\t%s\n", svcLabel, bledb.Name(char.UUID()), char.Properties())
		}
	}
	return w.Flush()
}
