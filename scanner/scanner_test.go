package scanner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	suitelib "github.com/stretchr/testify/suite"

	"github.com/srg/kiribridge/internal/device"
	"github.com/srg/kiribridge/internal/devicefactory"
	"github.com/srg/kiribridge/internal/testutils"
	"github.com/srg/kiribridge/scanner"
)

type ScannerTestSuite struct {
	suitelib.Suite

	adv1, adv2, adv3 device.Advertisement
	origFactory      func() (device.Scanner, error)
}

func (suite *ScannerTestSuite) SetupTest() {
	suite.adv1 = testutils.NewFakeAdvertisement("KIRIRI01", "AA:BB:CC:DD:EE:FF").
		WithRSSI(-45).
		WithServices("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	suite.adv2 = testutils.NewFakeAdvertisement("Kitchen Thermometer", "11:22:33:44:55:66").
		WithRSSI(-67).
		WithServices("1809")
	suite.adv3 = testutils.NewFakeAdvertisement("", "99:88:77:66:55:44").
		WithRSSI(-80)

	suite.origFactory = devicefactory.ScannerFactory
	devicefactory.ScannerFactory = func() (device.Scanner, error) {
		return testutils.NewFakeScanner(suite.adv1, suite.adv2, suite.adv3), nil
	}
}

func (suite *ScannerTestSuite) TearDownTest() {
	devicefactory.ScannerFactory = suite.origFactory
}

func (suite *ScannerTestSuite) TestNewScanner() {
	suite.Run("creates scanner with provided logger", func() {
		s, err := scanner.NewScanner(testutils.NewQuietLogger())

		suite.NoError(err)
		suite.NotNil(s)
	})

	suite.Run("creates scanner with nil logger", func() {
		s, err := scanner.NewScanner(nil)

		suite.NoError(err)
		suite.NotNil(s)
	})
}

func (suite *ScannerTestSuite) TestDefaultScanOptions() {
	opts := scanner.DefaultScanOptions()

	suite.NotNil(opts)
	suite.Equal(10*time.Second, opts.Duration)
	suite.Nil(opts.NameContains)
	suite.Nil(opts.AllowList)
	suite.Nil(opts.BlockList)
}

func (suite *ScannerTestSuite) TestScannerFiltering() {
	tests := []struct {
		name              string
		scanOptions       *scanner.ScanOptions
		expectedAddresses []string
	}{
		{
			name:              "includes all devices with no filters",
			scanOptions:       &scanner.ScanOptions{},
			expectedAddresses: []string{"AA:BB:CC:DD:EE:FF", "11:22:33:44:55:66", "99:88:77:66:55:44"},
		},
		{
			name: "excludes device on block list",
			scanOptions: &scanner.ScanOptions{
				BlockList: []string{"AA:BB:CC:DD:EE:FF"},
			},
			expectedAddresses: []string{"11:22:33:44:55:66", "99:88:77:66:55:44"},
		},
		{
			name: "includes only device on allow list",
			scanOptions: &scanner.ScanOptions{
				AllowList: []string{"AA:BB:CC:DD:EE:FF"},
			},
			expectedAddresses: []string{"AA:BB:CC:DD:EE:FF"},
		},
		{
			name: "excludes everything when allow list has no match",
			scanOptions: &scanner.ScanOptions{
				AllowList: []string{"FF:EE:DD:CC:BB:AA"},
			},
			expectedAddresses: []string{},
		},
		{
			name: "name filter matches case-insensitively",
			scanOptions: &scanner.ScanOptions{
				NameContains: []string{"kiriri"},
			},
			expectedAddresses: []string{"AA:BB:CC:DD:EE:FF"},
		},
		{
			name: "name filter drops unnamed devices",
			scanOptions: &scanner.ScanOptions{
				NameContains: []string{"thermometer"},
			},
			expectedAddresses: []string{"11:22:33:44:55:66"},
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			s, err := scanner.NewScanner(testutils.NewQuietLogger())
			require.NoError(suite.T(), err)

			tt.scanOptions.Duration = 100 * time.Millisecond

			devices, err := s.Scan(context.Background(), tt.scanOptions, nil)

			require.NoError(suite.T(), err)
			require.NotNil(suite.T(), devices)

			suite.Len(devices, len(tt.expectedAddresses))
			for _, addr := range tt.expectedAddresses {
				suite.Contains(devices, addr)
			}
		})
	}
}

func (suite *ScannerTestSuite) TestScanEmitsEvents() {
	s, err := scanner.NewScanner(testutils.NewQuietLogger())
	require.NoError(suite.T(), err)

	_, err = s.Scan(context.Background(), &scanner.ScanOptions{Duration: 100 * time.Millisecond}, nil)
	require.NoError(suite.T(), err)

	seen := map[string]scanner.DeviceEventType{}
drain:
	for {
		select {
		case ev := <-s.Events():
			seen[ev.DeviceInfo.Address()] = ev.Type
			suite.False(ev.Timestamp.IsZero())
		default:
			break drain
		}
	}

	suite.Len(seen, 3)
	suite.Equal(scanner.EventNew, seen["AA:BB:CC:DD:EE:FF"])
}

func (suite *ScannerTestSuite) TestScanUpdatesExistingDevice() {
	fake := testutils.NewFakeScanner(
		suite.adv1,
		testutils.NewFakeAdvertisement("KIRIRI01", "AA:BB:CC:DD:EE:FF").WithRSSI(-30),
	)
	devicefactory.ScannerFactory = func() (device.Scanner, error) { return fake, nil }

	s, err := scanner.NewScanner(testutils.NewQuietLogger())
	require.NoError(suite.T(), err)

	devices, err := s.Scan(context.Background(), &scanner.ScanOptions{Duration: 100 * time.Millisecond}, nil)
	require.NoError(suite.T(), err)

	require.Len(suite.T(), devices, 1)
	suite.Equal(-30, devices["AA:BB:CC:DD:EE:FF"].RSSI())
}

func (suite *ScannerTestSuite) TestFindByName() {
	suite.Run("returns first matching device", func() {
		s, err := scanner.NewScanner(testutils.NewQuietLogger())
		require.NoError(suite.T(), err)

		dev, err := s.FindByName(context.Background(), []string{"KIRI"}, time.Second)

		require.NoError(suite.T(), err)
		suite.Equal("AA:BB:CC:DD:EE:FF", dev.Address())
		suite.Equal("KIRIRI01", dev.Name())
	})

	suite.Run("times out without a match", func() {
		s, err := scanner.NewScanner(testutils.NewQuietLogger())
		require.NoError(suite.T(), err)

		_, err = s.FindByName(context.Background(), []string{"NOPE"}, 100*time.Millisecond)

		suite.Error(err)
		suite.Contains(err.Error(), "no device matching")
	})

	suite.Run("rejects empty name list", func() {
		s, err := scanner.NewScanner(testutils.NewQuietLogger())
		require.NoError(suite.T(), err)

		_, err = s.FindByName(context.Background(), nil, time.Second)

		suite.Error(err)
	})
}

func TestScannerTestSuite(t *testing.T) {
	suitelib.Run(t, new(ScannerTestSuite))
}
