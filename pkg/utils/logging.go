package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// LogLevel orders log records by severity.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{DEBUG: "DEBUG", INFO: "INFO", WARN: "WARN", ERROR: "ERROR"}

func (l LogLevel) String() string {
	if l < DEBUG || int(l) >= len(levelNames) {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLogLevel accepts a level name in any case. The empty string means
// INFO and "warning" is an alias of WARN.
func ParseLogLevel(level string) (LogLevel, error) {
	name := strings.ToUpper(strings.TrimSpace(level))
	switch name {
	case "":
		return INFO, nil
	case "WARNING":
		return WARN, nil
	}
	for l, n := range levelNames {
		if n == name {
			return LogLevel(l), nil
		}
	}
	return INFO, fmt.Errorf("invalid log level: %s", level)
}

// ParseLogFormat parses "text" or "json".
func ParseLogFormat(format string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("invalid log format: %s", format)
	}
}

// SetupLogging builds the process logger from the global configuration
// section. Records go to logFile when set, otherwise to stderr. Caller
// locations are included at DEBUG.
func SetupLogging(levelStr, format, logFile string) (*StructuredLogger, error) {
	level, err := ParseLogLevel(levelStr)
	if err != nil {
		return nil, err
	}
	f, err := ParseLogFormat(format)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stderr
	var file *os.File
	if logFile != "" {
		if file, err = os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = file
	}

	logger := NewStructuredLogger(&StructuredLoggerConfig{
		Level:         level,
		Output:        out,
		Format:        f,
		IncludeCaller: level == DEBUG,
	})
	if file != nil {
		logger.root.closer = file
	}
	return logger, nil
}
