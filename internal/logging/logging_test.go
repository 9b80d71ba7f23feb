package logging_test

import (
	"testing"

	"github.com/rjw57/streamkinect2/internal/logging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsUnknownLevelToInfo(t *testing.T) {
	logger := logging.New(logging.Config{Level: "not-a-level", Format: logging.FormatJSON})
	require.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestNewHonoursConfiguredLevel(t *testing.T) {
	logger := logging.New(logging.Config{Level: "debug", Format: logging.FormatJSON})
	require.Equal(t, zerolog.DebugLevel, logger.GetLevel())
}
