package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sensegrid/blecentral/pkg/ble"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address>",
	Short: "Read a characteristic value",
	Long: `Connects to a device and reads a GATT characteristic.

Examples:
  # Read Battery Level characteristic
  blec read AA:BB:CC:DD:EE:FF --service 180f --char 2a19 --hex

  # Raw bytes to stdout
  blec read AA:BB:CC:DD:EE:FF --service 180d --char 2a37`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

var (
	readServiceUUID string
	readCharUUID    string
	readHex         bool
	readTimeout     time.Duration
)

func init() {
	readCmd.Flags().StringVar(&readServiceUUID, "service", "", "Service UUID")
	readCmd.Flags().StringVar(&readCharUUID, "char", "", "Characteristic UUID")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'FF01'); raw bytes by default")
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 30*time.Second, "Connect timeout")
	_ = readCmd.MarkFlagRequired("service")
	_ = readCmd.MarkFlagRequired("char")
}

func runRead(cmd *cobra.Command, args []string) error {
	address := args[0]

	client, _, err := newClient(cmd)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx := context.Background()
	sess, err := client.Connect(ctx, address, ble.ConnectOptions{Timeout: readTimeout})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	defer func() { _ = sess.Disconnect() }()

	data, err := sess.Read(ctx, readServiceUUID, readCharUUID)
	if err != nil {
		return fmt.Errorf("failed to read characteristic: %w", err)
	}

	if readHex {
		fmt.Println(hex.EncodeToString(data))
		return nil
	}
	_, err = os.Stdout.Write(data)
	return err
}
