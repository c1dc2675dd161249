package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sensegrid/blecentral/backend"
	"github.com/sensegrid/blecentral/pkg/ble"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <value>",
	Short: "Write a characteristic value",
	Long: `Connects to a device and writes a GATT characteristic.

The value is UTF-8 text by default, or hex bytes with --hex.

Examples:
  # Write text with an ATT write response
  blec write AA:BB:CC:DD:EE:FF "hello" --service ffe0 --char ffe1

  # Write hex bytes without waiting for a response
  blec write AA:BB:CC:DD:EE:FF 2401 --hex --no-response --service ffe0 --char ffe1`,
	Args: cobra.ExactArgs(2),
	RunE: runWrite,
}

var (
	writeServiceUUID string
	writeCharUUID    string
	writeHex         bool
	writeNoResponse  bool
	writeTimeout     time.Duration
)

func init() {
	writeCmd.Flags().StringVar(&writeServiceUUID, "service", "", "Service UUID")
	writeCmd.Flags().StringVar(&writeCharUUID, "char", "", "Characteristic UUID")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Interpret value as hex bytes")
	writeCmd.Flags().BoolVar(&writeNoResponse, "no-response", false, "Write without waiting for a device acknowledgment")
	writeCmd.Flags().DurationVar(&writeTimeout, "timeout", 30*time.Second, "Connect timeout")
	_ = writeCmd.MarkFlagRequired("service")
	_ = writeCmd.MarkFlagRequired("char")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address := args[0]

	data := []byte(args[1])
	if writeHex {
		decoded, err := hex.DecodeString(args[1])
		if err != nil {
			return fmt.Errorf("invalid hex value: %w", err)
		}
		data = decoded
	}

	client, _, err := newClient(cmd)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx := context.Background()
	sess, err := client.Connect(ctx, address, ble.ConnectOptions{Timeout: writeTimeout})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	defer func() { _ = sess.Disconnect() }()

	mode := backend.WriteWithResponse
	if writeNoResponse {
		mode = backend.WriteWithoutResponse
	}
	if err := sess.Write(ctx, writeServiceUUID, writeCharUUID, data, mode); err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}

	fmt.Printf("Wrote %d bytes\n", len(data))
	return nil
}
