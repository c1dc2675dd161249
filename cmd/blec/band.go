package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sensegrid/blecentral/band"
	"github.com/sensegrid/blecentral/pkg/ble"
	"github.com/sensegrid/blecentral/session"
)

// bandCmd groups the gForce armband commands
var bandCmd = &cobra.Command{
	Use:   "band",
	Short: "Control a gForce EMG armband",
	Long: `Commands for the gForce EMG armband: device info, vibration motor,
and sensor data streaming.`,
}

var bandInfoCmd = &cobra.Command{
	Use:   "info <device-address>",
	Short: "Show device name and battery level",
	Args:  cobra.ExactArgs(1),
	RunE:  runBandInfo,
}

var bandVibrateCmd = &cobra.Command{
	Use:   "vibrate <device-address>",
	Short: "Pulse the vibration motor",
	Args:  cobra.ExactArgs(1),
	RunE:  runBandVibrate,
}

var bandStreamCmd = &cobra.Command{
	Use:   "stream <device-address>",
	Short: "Stream sensor data",
	Long: `Streams decoded sensor packets, one line per packet, until Ctrl+C
or --duration.

Feeds: euler, quaternion, emg-gesture, emg-raw, accelerate, gyroscope.

Examples:
  blec band stream AA:BB:CC:DD:EE:FF --feeds euler
  blec band stream AA:BB:CC:DD:EE:FF --feeds euler,emg-gesture --duration 30s`,
	Args: cobra.ExactArgs(1),
	RunE: runBandStream,
}

var (
	bandTimeout        time.Duration
	bandVibrateFor     time.Duration
	bandStreamFeeds    []string
	bandStreamDuration time.Duration
)

func init() {
	bandCmd.PersistentFlags().DurationVar(&bandTimeout, "timeout", 30*time.Second, "Connect timeout")
	bandVibrateCmd.Flags().DurationVar(&bandVibrateFor, "for", time.Second, "Vibration length")
	bandStreamCmd.Flags().StringSliceVar(&bandStreamFeeds, "feeds", []string{"euler"}, "Feeds to stream")
	bandStreamCmd.Flags().DurationVar(&bandStreamDuration, "duration", 0, "Stop after this duration (0 for unlimited)")

	bandCmd.AddCommand(bandInfoCmd)
	bandCmd.AddCommand(bandVibrateCmd)
	bandCmd.AddCommand(bandStreamCmd)
}

// connectBand connects to the armband and opens its control channel.
func connectBand(cmd *cobra.Command, ctx context.Context, address string) (*band.Band, *session.Session, error) {
	client, _, err := newClient(cmd)
	if err != nil {
		return nil, nil, err
	}

	cmd.SilenceUsage = true

	sess, err := client.Connect(ctx, address, ble.ConnectOptions{Timeout: bandTimeout})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	tree, err := sess.DiscoverServices(ctx)
	if err == nil {
		err = band.ProbeProfile(tree)
	}
	if err != nil {
		_ = sess.Disconnect()
		return nil, nil, fmt.Errorf("device does not expose the gForce profile: %w", err)
	}

	b := band.New(sess, nil)
	if err := b.Open(ctx); err != nil {
		_ = sess.Disconnect()
		return nil, nil, fmt.Errorf("failed to open control channel: %w", err)
	}
	return b, sess, nil
}

func runBandInfo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	b, sess, err := connectBand(cmd, ctx, args[0])
	if err != nil {
		return err
	}
	defer func() { _ = sess.Disconnect() }()

	name, err := b.DeviceName(ctx)
	if err != nil {
		return fmt.Errorf("failed to read device name: %w", err)
	}
	level, err := b.BatteryLevel(ctx)
	if err != nil {
		return fmt.Errorf("failed to read battery level: %w", err)
	}

	fmt.Printf("Name:    %s\n", name)
	fmt.Printf("Battery: %d%%\n", level)
	return nil
}

func runBandVibrate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	b, sess, err := connectBand(cmd, ctx, args[0])
	if err != nil {
		return err
	}
	defer func() { _ = sess.Disconnect() }()

	if err := b.SetMotor(ctx, true); err != nil {
		return fmt.Errorf("failed to start motor: %w", err)
	}
	time.Sleep(bandVibrateFor)
	if err := b.SetMotor(ctx, false); err != nil {
		return fmt.Errorf("failed to stop motor: %w", err)
	}
	return nil
}

func parseFeeds(names []string) (band.Subscription, error) {
	var sub band.Subscription
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "accelerate":
			sub |= band.SubAccelerate
		case "gyroscope":
			sub |= band.SubGyroscope
		case "magnetometer":
			sub |= band.SubMagnetometer
		case "euler":
			sub |= band.SubEulerAngle
		case "quaternion":
			sub |= band.SubQuaternion
		case "emg-gesture":
			sub |= band.SubEMGGesture
		case "emg-raw":
			sub |= band.SubEMGRaw
		default:
			return 0, fmt.Errorf("unknown feed: %s", name)
		}
	}
	return sub, nil
}

func runBandStream(cmd *cobra.Command, args []string) error {
	sub, err := parseFeeds(bandStreamFeeds)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if bandStreamDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, bandStreamDuration)
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

	b, sess, err := connectBand(cmd, ctx, args[0])
	if err != nil {
		return err
	}
	defer func() { _ = sess.Disconnect() }()

	stream, err := b.StartStreaming(ctx, sub)
	if err != nil {
		return fmt.Errorf("failed to start streaming: %w", err)
	}
	defer func() { _ = b.StopStreaming(context.Background(), stream) }()

	fmt.Fprintln(os.Stderr, "Streaming. Press Ctrl+C to stop...")

	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-stream.C():
			if !ok {
				return nil
			}
			printPacket(pkt)
		}
	}
}

func printPacket(pkt band.DataPacket) {
	if pkt.Dropped > 0 {
		fmt.Fprintf(os.Stderr, "warning: %d packets dropped\n", pkt.Dropped)
	}
	if euler, ok := pkt.Euler(); ok {
		fmt.Printf("euler pitch=%.2f roll=%.2f yaw=%.2f\n", euler.Pitch, euler.Roll, euler.Yaw)
		return
	}
	if quat, ok := pkt.Quat(); ok {
		fmt.Printf("quaternion w=%.4f x=%.4f y=%.4f z=%.4f\n", quat.W, quat.X, quat.Y, quat.Z)
		return
	}
	if gesture, ok := pkt.Gesture(); ok {
		fmt.Printf("gesture 0x%02X\n", gesture)
		return
	}
	fmt.Printf("%s %s\n", pkt.Type, hex.EncodeToString(pkt.Payload))
}
