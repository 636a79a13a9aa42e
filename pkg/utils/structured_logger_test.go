package utils

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"", INFO, false},
		{"warning", WARN, false},
		{"Error", ERROR, false},
		{"verbose", INFO, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&StructuredLoggerConfig{Level: INFO, Output: &buf})

	logger.Debug("debug message")
	assert.Zero(t, buf.Len(), "debug should be filtered at INFO")

	logger.Info("info message")
	assert.Contains(t, buf.String(), "[INFO] info message")

	buf.Reset()
	logger.SetLevel(ERROR)
	logger.Warn("warn message")
	assert.Zero(t, buf.Len())
	logger.Error("failed", map[string]interface{}{"attempts": 3})
	assert.Contains(t, buf.String(), "[ERROR] failed {attempts=3}")
	assert.False(t, logger.Enabled(WARN))
}

func TestDerivedLoggersShareLevelAndOutput(t *testing.T) {
	var buf bytes.Buffer
	root := NewStructuredLogger(&StructuredLoggerConfig{Level: INFO, Output: &buf})
	child := root.WithComponent("cache").WithField("bucket", 7)

	root.SetLevel(WARN)
	child.Info("hidden")
	assert.Zero(t, buf.Len())

	child.Warn("visible", map[string]interface{}{"files": 2})
	out := buf.String()
	assert.Contains(t, out, "visible {bucket=7, component=cache, files=2}")
	assert.Empty(t, root.fields)

	buf.Reset()
	child.WithField("bucket", 9).Warn("override")
	assert.Contains(t, buf.String(), "override {bucket=9, component=cache}")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&StructuredLoggerConfig{Level: DEBUG, Output: &buf, Format: FormatJSON})
	logger.WithComponent("store").Debug("loaded", map[string]interface{}{"patterns": 4})

	var entry LogEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "DEBUG", entry.Level)
	assert.Equal(t, "loaded", entry.Message)
	assert.Equal(t, "store", entry.Fields["component"])
	assert.EqualValues(t, 4, entry.Fields["patterns"])
}

func TestIncludeCaller(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&StructuredLoggerConfig{Level: INFO, Output: &buf, IncludeCaller: true})
	logger.Info("where")
	assert.Contains(t, buf.String(), "[structured_logger_test.go:")
}

func TestSetupLogging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sched.log")
	logger, err := SetupLogging("warn", "text", path)
	require.NoError(t, err)
	logger.Warn("to file")
	require.NoError(t, logger.Close())

	_, err = SetupLogging("loud", "text", "")
	assert.Error(t, err)
	_, err = SetupLogging("info", "xml", "")
	assert.Error(t, err)
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.Error("dropped")
	assert.True(t, strings.HasPrefix(logger.GetLevel().String(), "UNKNOWN"))
}
