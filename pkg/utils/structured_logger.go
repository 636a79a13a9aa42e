package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LogFormat defines the output format for logs
type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
)

// LogEntry is one record as written in JSON format.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

type field struct {
	key   string
	value interface{}
}

// root is shared by a logger and everything derived from it.
type root struct {
	level         atomic.Int32
	mu            sync.Mutex
	out           io.Writer
	format        LogFormat
	includeCaller bool
	closer        io.Closer
}

// StructuredLogger writes leveled records with key/value context. Loggers
// derived with WithField share the level and output of their root.
type StructuredLogger struct {
	root   *root
	fields []field // sorted by key
}

// StructuredLoggerConfig holds configuration for the logger
type StructuredLoggerConfig struct {
	Level         LogLevel
	Output        io.Writer
	Format        LogFormat
	IncludeCaller bool
}

// NewStructuredLogger creates a logger. A nil config logs INFO and above as
// text to stderr.
func NewStructuredLogger(config *StructuredLoggerConfig) *StructuredLogger {
	if config == nil {
		config = &StructuredLoggerConfig{Level: INFO}
	}
	r := &root{out: config.Output, format: config.Format, includeCaller: config.IncludeCaller}
	if r.out == nil {
		r.out = os.Stderr
	}
	r.level.Store(int32(config.Level))
	return &StructuredLogger{root: r}
}

// NopLogger returns a logger that discards everything.
func NopLogger() *StructuredLogger {
	return NewStructuredLogger(&StructuredLoggerConfig{Level: ERROR + 1, Output: io.Discard})
}

// WithField returns a derived logger carrying key=value.
func (sl *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	return sl.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a derived logger carrying every entry of fields. Keys
// already present are overwritten.
func (sl *StructuredLogger) WithFields(fields map[string]interface{}) *StructuredLogger {
	return &StructuredLogger{root: sl.root, fields: merge(sl.fields, fields)}
}

// WithComponent tags records with the emitting component.
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return sl.WithField("component", component)
}

// SetLevel changes the level of the root and every derived logger.
func (sl *StructuredLogger) SetLevel(level LogLevel) {
	sl.root.level.Store(int32(level))
}

// GetLevel returns the current level.
func (sl *StructuredLogger) GetLevel() LogLevel {
	return LogLevel(sl.root.level.Load())
}

// Enabled reports whether records at level are written.
func (sl *StructuredLogger) Enabled(level LogLevel) bool {
	return level >= sl.GetLevel()
}

func (sl *StructuredLogger) Debug(message string, fields ...map[string]interface{}) {
	sl.write(DEBUG, message, fields)
}

func (sl *StructuredLogger) Info(message string, fields ...map[string]interface{}) {
	sl.write(INFO, message, fields)
}

func (sl *StructuredLogger) Warn(message string, fields ...map[string]interface{}) {
	sl.write(WARN, message, fields)
}

func (sl *StructuredLogger) Error(message string, fields ...map[string]interface{}) {
	sl.write(ERROR, message, fields)
}

// Close releases the log file opened by SetupLogging, if any.
func (sl *StructuredLogger) Close() error {
	if sl.root.closer != nil {
		return sl.root.closer.Close()
	}
	return nil
}

// write must be called directly from the exported level methods so the
// caller lookup lands on the user's frame.
func (sl *StructuredLogger) write(level LogLevel, message string, extra []map[string]interface{}) {
	if !sl.Enabled(level) {
		return
	}
	fields := sl.fields
	for _, m := range extra {
		fields = merge(fields, m)
	}

	var caller string
	if sl.root.includeCaller {
		if _, file, line, ok := runtime.Caller(2); ok {
			caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}
	}

	var line string
	if sl.root.format == FormatJSON {
		line = encodeJSON(time.Now(), level, message, caller, fields)
	} else {
		line = encodeText(time.Now(), level, message, caller, fields)
	}

	sl.root.mu.Lock()
	_, _ = io.WriteString(sl.root.out, line)
	sl.root.mu.Unlock()
}

func encodeText(ts time.Time, level LogLevel, message, caller string, fields []field) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s] ", ts.Format("2006-01-02 15:04:05.000"), level)
	if caller != "" {
		fmt.Fprintf(&sb, "[%s] ", caller)
	}
	sb.WriteString(message)
	if len(fields) > 0 {
		sb.WriteString(" {")
		for i, f := range fields {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", f.key, f.value)
		}
		sb.WriteString("}")
	}
	sb.WriteByte('\n')
	return sb.String()
}

func encodeJSON(ts time.Time, level LogLevel, message, caller string, fields []field) string {
	entry := LogEntry{Timestamp: ts, Level: level.String(), Message: message, Caller: caller}
	if len(fields) > 0 {
		entry.Fields = make(map[string]interface{}, len(fields))
		for _, f := range fields {
			entry.Fields[f.key] = f.value
		}
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return encodeText(ts, level, message, caller, fields)
	}
	return string(b) + "\n"
}

// merge returns base with m applied, sorted by key. base is not modified.
func merge(base []field, m map[string]interface{}) []field {
	if len(m) == 0 {
		return base
	}
	out := make([]field, 0, len(base)+len(m))
	for _, f := range base {
		if _, replaced := m[f.key]; !replaced {
			out = append(out, f)
		}
	}
	for k, v := range m {
		out = append(out, field{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}
