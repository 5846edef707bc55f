package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLevelFromEnv(t *testing.T) {
	tests := []struct {
		name          string
		envValue      string
		expectedLevel LogLevel
	}{
		{name: "trace level", envValue: "trace", expectedLevel: LevelTrace},
		{name: "debug level", envValue: "debug", expectedLevel: LevelDebug},
		{name: "info level", envValue: "info", expectedLevel: LevelInfo},
		{name: "warn level", envValue: "warn", expectedLevel: LevelWarn},
		{name: "warning alias", envValue: "warning", expectedLevel: LevelWarn},
		{name: "error level", envValue: "error", expectedLevel: LevelError},
		{name: "none", envValue: "off", expectedLevel: LevelNone},
		{name: "uppercase trace", envValue: "TRACE", expectedLevel: LevelTrace},
		{name: "padded info", envValue: " info ", expectedLevel: LevelInfo},
		{name: "empty string", envValue: "", expectedLevel: LevelDebug},
		{name: "invalid value", envValue: "invalid", expectedLevel: LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvLogLevel, tt.envValue)
			assert.Equal(t, tt.expectedLevel, GetLevelFromEnv())
		})
	}
}

func TestParseLevelReportsUnknown(t *testing.T) {
	_, ok := ParseLevel("loud")
	assert.False(t, ok)
	level, ok := ParseLevel("Error")
	assert.True(t, ok)
	assert.Equal(t, LevelError, level)
}

func TestLogLevelConstants(t *testing.T) {
	assert.Equal(t, LogLevel(0), LevelTrace)
	assert.Equal(t, LogLevel(1), LevelDebug)
	assert.Equal(t, LogLevel(2), LevelInfo)
	assert.Equal(t, LogLevel(3), LevelWarn)
	assert.Equal(t, LogLevel(4), LevelError)
	assert.Equal(t, LogLevel(5), LevelNone)
}
