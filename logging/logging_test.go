package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zap.WarnLevel, ParseLevel(" WARN "))
	assert.Equal(t, zap.InfoLevel, ParseLevel(""))
	assert.Equal(t, zap.InfoLevel, ParseLevel("loud"))
}

func TestNew_RespectsLevel(t *testing.T) {
	logger := New(Config{Level: "error", Format: "console"})
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.ErrorLevel))
}
