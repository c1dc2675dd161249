package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sensegrid/blecentral/pkg/ble"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address>",
	Short: "Subscribe to characteristic notifications",
	Long: `Connects to a device and prints characteristic notifications as they
arrive, one hex line per value, until Ctrl+C, --count values, or --duration.

Examples:
  # Watch Heart Rate Measurement notifications
  blec subscribe AA:BB:CC:DD:EE:FF --service 180d --char 2a37

  # Stop after 10 values
  blec subscribe AA:BB:CC:DD:EE:FF --service 180d --char 2a37 --count 10`,
	Args: cobra.ExactArgs(1),
	RunE: runSubscribe,
}

var (
	subServiceUUID string
	subCharUUID    string
	subCount       int
	subDuration    time.Duration
	subTimeout     time.Duration
)

func init() {
	subscribeCmd.Flags().StringVar(&subServiceUUID, "service", "", "Service UUID")
	subscribeCmd.Flags().StringVar(&subCharUUID, "char", "", "Characteristic UUID")
	subscribeCmd.Flags().IntVar(&subCount, "count", 0, "Stop after this many values (0 for unlimited)")
	subscribeCmd.Flags().DurationVar(&subDuration, "duration", 0, "Stop after this duration (0 for unlimited)")
	subscribeCmd.Flags().DurationVar(&subTimeout, "timeout", 30*time.Second, "Connect timeout")
	_ = subscribeCmd.MarkFlagRequired("service")
	_ = subscribeCmd.MarkFlagRequired("char")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	address := args[0]

	client, _, err := newClient(cmd)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if subDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, subDuration)
		defer cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nCtrl+C pressed, stopping...")
		cancel()
	}()

	sess, err := client.Connect(ctx, address, ble.ConnectOptions{Timeout: subTimeout})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	defer func() { _ = sess.Disconnect() }()

	listener, err := sess.Subscribe(ctx, subServiceUUID, subCharUUID)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer func() { _ = listener.Close(context.Background()) }()

	fmt.Fprintln(os.Stderr, "Subscribed. Press Ctrl+C to stop...")

	received := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-listener.C():
			if !ok {
				// Stream closed: the session disconnected.
				if err := sess.LastError(); err != nil {
					return fmt.Errorf("notification stream closed: %w", err)
				}
				return fmt.Errorf("notification stream closed")
			}
			if v.Dropped > 0 {
				fmt.Fprintf(os.Stderr, "warning: %d values dropped\n", v.Dropped)
			}
			fmt.Println(hex.EncodeToString(v.Data))
			received++
			if subCount > 0 && received >= subCount {
				return nil
			}
		}
	}
}
