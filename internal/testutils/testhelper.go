package testutils

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a quiet logger.
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{
		T:      t,
		Logger: NewQuietLogger(),
	}
}

// NewQuietLogger returns a logger that discards all output, for tests
// that exercise noisy code paths.
func NewQuietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	return logger
}
