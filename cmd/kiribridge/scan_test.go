package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/suite"

	"github.com/srg/kiribridge/internal/device"
	"github.com/srg/kiribridge/internal/devicefactory"
	"github.com/srg/kiribridge/internal/testutils"
)

// executeCommand runs a cobra command with args, returns output and error.
func executeCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// captureStdout executes fn while capturing stdout.
func captureStdout(s *suite.Suite, fn func()) string {
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	s.Require().NoError(err, "pipe creation MUST succeed")
	os.Stdout = w
	defer func() { os.Stdout = oldStdout }()

	fn()

	_ = w.Close()
	out, _ := io.ReadAll(r)
	return string(out)
}

// ScanTestSuite provides testify/suite for proper test isolation
type ScanTestSuite struct {
	suite.Suite
	originalFactory func() (device.Scanner, error)
}

func (s *ScanTestSuite) SetupTest() {
	// Two devices in range: the sensor and a bystander.
	fake := testutils.NewFakeScanner(
		testutils.NewFakeAdvertisement("KIRIRI01-ABC", "AA:BB:CC:DD:EE:FF").
			WithRSSI(-40).
			WithServices("6e400001-b5a3-f393-e0a9-e50e24dcca9e"),
		testutils.NewFakeAdvertisement("Kitchen Thermometer", "11:22:33:44:55:66").
			WithRSSI(-70),
	)

	s.originalFactory = devicefactory.ScannerFactory
	devicefactory.ScannerFactory = func() (device.Scanner, error) { return fake, nil }

	resetScanFlags()
}

func (s *ScanTestSuite) TearDownTest() {
	devicefactory.ScannerFactory = s.originalFactory
	resetScanFlags()
}

func resetScanFlags() {
	scanConfigPath = ""
	scanDuration = 10 * time.Second
	scanFormat = "table"
	scanAllowList = nil
	scanBlockList = nil
	scanNoDuplicate = true
	scanMatchOnly = false

	// Cobra keeps flag values on the shared scanCmd between Execute calls;
	// a prior --help run would otherwise short-circuit every later test.
	if f := scanCmd.Flags().Lookup("help"); f != nil {
		_ = f.Value.Set("false")
		f.Changed = false
	}
}

func (s *ScanTestSuite) TestScanCmd_Help() {
	// GOAL: Verify scan command displays help text with all flags
	//
	// TEST SCENARIO: Execute scan --help → returns success → output contains description and flag documentation

	cmd := &cobra.Command{}
	cmd.AddCommand(scanCmd)

	output, err := executeCommand(cmd, "scan", "--help")
	s.Require().NoError(err, "help command MUST succeed")

	s.Assert().Contains(output, "Scan for and display Bluetooth Low Energy devices", "help MUST contain command description")
	s.Assert().Contains(output, "--duration", "help MUST document --duration flag")
	s.Assert().Contains(output, "--match-only", "help MUST document --match-only flag")
}

func (s *ScanTestSuite) TestScanCmd_InvalidFormat() {
	// GOAL: Verify scan command rejects invalid format values
	//
	// TEST SCENARIO: Execute scan with invalid format → returns error → error message lists valid formats

	cmd := &cobra.Command{}
	cmd.AddCommand(scanCmd)

	_, err := executeCommand(cmd, "scan", "--format=invalid")

	s.Require().Error(err, "invalid format MUST return error")
	s.Assert().Contains(err.Error(), "invalid format 'invalid': must be one of [table json]", "error MUST list valid formats")
}

func (s *ScanTestSuite) TestScanCmd_JSONOutput() {
	// GOAL: Verify scan command emits machine-readable JSON with the bridge flag
	//
	// TEST SCENARIO: Scan with fake radio → JSON array with both devices → sensor row marked bridge=true

	cmd := &cobra.Command{}
	cmd.AddCommand(scanCmd)
	cmd.PersistentFlags().String("log-level", "", "")

	output := captureStdout(&s.Suite, func() {
		_, err := executeCommand(cmd, "scan", "--format=json", "--duration=100ms")
		s.Require().NoError(err, "scan MUST succeed")
	})

	var results []scanResult
	s.Require().NoError(json.Unmarshal([]byte(output), &results), "output MUST be valid JSON")
	s.Require().Len(results, 2)

	byName := make(map[string]scanResult)
	for _, r := range results {
		byName[r.Name] = r
	}
	s.Assert().True(byName["KIRIRI01-ABC"].Bridge, "sensor MUST be marked bridge-compatible")
	s.Assert().False(byName["Kitchen Thermometer"].Bridge)
	s.Assert().Equal("AA:BB:CC:DD:EE:FF", byName["KIRIRI01-ABC"].Address)
}

func (s *ScanTestSuite) TestScanCmd_MatchOnly() {
	// GOAL: Verify --match-only hides devices that do not match the sensor names
	//
	// TEST SCENARIO: Scan with --match-only → only the KIRIRI device appears

	cmd := &cobra.Command{}
	cmd.AddCommand(scanCmd)
	cmd.PersistentFlags().String("log-level", "", "")

	output := captureStdout(&s.Suite, func() {
		_, err := executeCommand(cmd, "scan", "--format=json", "--duration=100ms", "--match-only")
		s.Require().NoError(err, "scan MUST succeed")
	})

	var results []scanResult
	s.Require().NoError(json.Unmarshal([]byte(output), &results))
	s.Require().Len(results, 1, "only the matching sensor MUST be listed")
	s.Assert().Equal("KIRIRI01-ABC", results[0].Name)
}

func (s *ScanTestSuite) TestScanCmd_TableOutput() {
	// GOAL: Verify table output lists devices and flags the bridge-compatible one
	//
	// TEST SCENARIO: Scan with fake radio → table contains both rows → sensor row marked yes

	cmd := &cobra.Command{}
	cmd.AddCommand(scanCmd)
	cmd.PersistentFlags().String("log-level", "", "")

	output := captureStdout(&s.Suite, func() {
		_, err := executeCommand(cmd, "scan", "--duration=100ms")
		s.Require().NoError(err, "scan MUST succeed")
	})

	s.Assert().Contains(output, "KIRIRI01-ABC")
	s.Assert().Contains(output, "Kitchen Thermometer")
	s.Assert().Contains(output, "yes")
}

func TestScanTestSuite(t *testing.T) {
	suite.Run(t, new(ScanTestSuite))
}

func TestFormatVersion(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"dev", "dev"},
		{"1.2.3", "v1.2.3"},
		{"v1.2.3", "v1.2.3"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := formatVersion(tt.in); got != tt.want {
			t.Errorf("formatVersion(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
