package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sensegrid/blecentral/internal/bledb"
	"github.com/sensegrid/blecentral/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

This command will scan for BLE devices and display information about
discovered devices, including their names, addresses, RSSI values, and
advertised services.`,
	RunE: runScan,
}

var (
	scanDuration   time.Duration
	scanFormat     string
	scanServices   []string
	scanNamePrefix string
	scanAllowList  []string
	scanBlockList  []string
	scanWatch      bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
	scanCmd.Flags().StringVar(&scanNamePrefix, "name", "", "Filter by advertised name prefix")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Print events as they arrive instead of a final table")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", scanFormat)
	}

	client, _, err := newClient(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listen for Ctrl+C to cancel
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	scan, err := client.Scan(ctx, scanner.Options{
		Duration: scanDuration,
		Filter: scanner.Filter{
			ServiceUUIDs: scanServices,
			NamePrefix:   scanNamePrefix,
			AllowList:    scanAllowList,
			BlockList:    scanBlockList,
		},
	})
	if err != nil {
		return err
	}
	defer scan.Stop()

	if scanWatch {
		return streamScanEvents(scan)
	}

	// Drain events until the scan ends, then print the final picture.
	for range scan.Events() {
	}
	return displayDevices(scan.Devices())
}

// streamScanEvents prints one line per discovery event as it arrives.
func streamScanEvents(scan *scanner.Scan) error {
	colorize := term.IsTerminal(int(os.Stdout.Fd()))
	newTag := "NEW"
	updTag := "UPD"
	if colorize {
		newTag = color.GreenString(newTag)
		updTag = color.YellowString(updTag)
	}

	for ev := range scan.Events() {
		tag := updTag
		if ev.Type == scanner.EventNew {
			tag = newTag
		}
		name := ev.Device.Name()
		if name == "" {
			name = "(unknown)"
		}
		fmt.Printf("%s  %-20s %s  %d dBm\n", tag, name, ev.Device.Address(), ev.Device.RSSI())
	}
	if dropped := scan.Dropped(); dropped > 0 {
		fmt.Fprintf(os.Stderr, "warning: %d events dropped\n", dropped)
	}
	return nil
}

func displayDevices(devices []*scanner.Device) error {
	if len(devices) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Name() > devices[j].Name()
	})

	if scanFormat == "json" {
		return displayDevicesJSON(devices)
	}
	return displayDevicesTable(devices)
}

func displayDevicesTable(devices []*scanner.Device) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, dev := range devices {
		name := dev.Name()
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		services := strings.Join(serviceLabels(dev.Services()), ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		lastSeen := time.Since(dev.LastSeen()).Truncate(time.Second)

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			name, dev.Address(), dev.RSSI(), services, lastSeen)
	}

	return w.Flush()
}

// serviceLabels swaps well-known service UUIDs for their names.
func serviceLabels(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = bledb.Name(u)
	}
	return out
}

type deviceJSON struct {
	Name        string   `json:"name,omitempty"`
	Address     string   `json:"address"`
	RSSI        int      `json:"rssi"`
	Connectable bool     `json:"connectable"`
	Services    []string `json:"services,omitempty"`
	LastSeen    string   `json:"last_seen"`
}

func displayDevicesJSON(devices []*scanner.Device) error {
	out := make([]deviceJSON, 0, len(devices))
	for _, dev := range devices {
		out = append(out, deviceJSON{
			Name:        dev.Name(),
			Address:     dev.Address(),
			RSSI:        dev.RSSI(),
			Connectable: dev.Connectable(),
			Services:    dev.Services(),
			LastSeen:    dev.LastSeen().Format(time.RFC3339),
		})
	}

	var w io.Writer = os.Stdout
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
