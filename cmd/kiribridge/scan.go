package main

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/kiribridge/internal/device"
	"github.com/srg/kiribridge/pkg/config"
	"github.com/srg/kiribridge/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Devices whose advertised name matches one of the configured sensor names
are highlighted; those are the devices the serve command would connect
to. Use --match-only to list only them.`,
	RunE: runScan,
}

var (
	scanConfigPath  string
	scanDuration    time.Duration
	scanFormat      string
	scanAllowList   []string
	scanBlockList   []string
	scanNoDuplicate bool
	scanMatchOnly   bool
)

func init() {
	scanCmd.Flags().StringVarP(&scanConfigPath, "config", "c", "", "Path to YAML config file")
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVar(&scanNoDuplicate, "no-duplicates", true, "Filter duplicate advertisements")
	scanCmd.Flags().BoolVarP(&scanMatchOnly, "match-only", "m", false, "Show only devices matching the configured sensor names")

	scanCmd.Flags().BoolP("verbose", "", false, "Enable debug logging")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	cfg, err := config.Load(scanConfigPath)
	if err != nil {
		return err
	}

	// Scan output is for humans or machines; keep logs out of it unless asked.
	logger, err := configureLogger(cmd, "verbose", logrus.PanicLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	s, err := scanner.NewScanner(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	opts := &scanner.ScanOptions{
		Duration:        scanDuration,
		DuplicateFilter: scanNoDuplicate,
		AllowList:       scanAllowList,
		BlockList:       scanBlockList,
	}
	if scanMatchOnly {
		opts.NameContains = cfg.Device.Names
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listen for Ctrl+C to cancel
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	progress := NewCountdownProgressPrinter("Scanning for BLE devices", "Scanning", scanDuration, "Processing results")
	progress.Start()
	defer progress.Stop()

	devices, err := s.Scan(ctx, opts, progress.Callback())
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scan failed")
		return err
	}

	return displayDevices(devices, cfg.Device.Names, scanFormat)
}

func displayDevices(devices map[string]device.DeviceInfo, sensorNames []string, format string) error {
	if len(devices) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	devList := make([]device.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		devList = append(devList, d)
	}

	// Bridge-compatible devices first, then by name.
	sort.Slice(devList, func(i, j int) bool {
		mi, mj := matchesSensorName(devList[i].Name(), sensorNames), matchesSensorName(devList[j].Name(), sensorNames)
		if mi != mj {
			return mi
		}
		return devList[i].Name() < devList[j].Name()
	})

	if format == "json" {
		return displayDevicesJSON(devList, sensorNames)
	}
	return displayDevicesTable(devList, sensorNames)
}

func matchesSensorName(name string, sensorNames []string) bool {
	if name == "" {
		return false
	}
	lower := strings.ToLower(name)
	for _, n := range sensorNames {
		if n != "" && strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func displayDevicesTable(devices []device.DeviceInfo, sensorNames []string) error {
	var base io.Writer = os.Stdout
	w := tabwriter.NewWriter(base, 0, 0, 2, ' ', 0)
	highlight := color.New(color.FgGreen, color.Bold)

	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tBRIDGE")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, dev := range devices {
		name := dev.Name()
		if name == "" {
			name = "(unnamed)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		services := strings.Join(dev.AdvertisedServices(), ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		compatible := ""
		if matchesSensorName(dev.Name(), sensorNames) {
			name = highlight.Sprint(name)
			compatible = highlight.Sprint("yes")
		}

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s\n",
			name, dev.Address(), dev.RSSI(), services, compatible)
	}

	return w.Flush()
}

type scanResult struct {
	Name     string   `json:"name"`
	Address  string   `json:"address"`
	RSSI     int      `json:"rssi"`
	Services []string `json:"services,omitempty"`
	Bridge   bool     `json:"bridge"`
}

func displayDevicesJSON(devices []device.DeviceInfo, sensorNames []string) error {
	results := make([]scanResult, 0, len(devices))
	for _, dev := range devices {
		results = append(results, scanResult{
			Name:     dev.Name(),
			Address:  dev.Address(),
			RSSI:     dev.RSSI(),
			Services: dev.AdvertisedServices(),
			Bridge:   matchesSensorName(dev.Name(), sensorNames),
		})
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(results)
}
