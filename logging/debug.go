package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// DebugLogger provides verbose debug logging for troubleshooting driver
// connectivity, polling behavior, and sink publishing. It writes to a
// dedicated debug.log file, filtered by subsystem.
type DebugLogger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // Subsystem filters (empty = log all)
}

// Global debug logger instance
var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

// Known subsystem names for filtering
var knownSubsystems = []string{
	"store",
	"poll",
	"supervisor",
	"driver",
	"uasim",
	"gateway",
	"historian",
	"mqtt",
	"valkey",
	"kafka",
	"influx",
	"engine",
	"debug",
}

// NewDebugLogger creates a new debug logger that writes to the specified path.
// The file is created fresh (truncated if it exists) for each session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	logger := &DebugLogger{
		file:    file,
		filters: make(map[string]bool),
	}

	logger.Log("DEBUG", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	logger.Log("DEBUG", "========================================")

	return logger, nil
}

// KnownSubsystems returns the subsystem names recognized by the filter.
func KnownSubsystems() []string {
	out := make([]string, len(knownSubsystems))
	copy(out, knownSubsystems)
	return out
}

// SetFilter sets the subsystem filter for logging. The filter can be a
// single subsystem or a comma-separated list; empty logs everything.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)

	if filter == "" {
		return // Empty filter = log all
	}

	for _, s := range strings.Split(filter, ",") {
		s = strings.TrimSpace(strings.ToLower(s))
		if s != "" {
			l.filters[s] = true
		}
	}
}

// shouldLog returns true if the subsystem passes the current filter.
// Must be called with l.mu held.
func (l *DebugLogger) shouldLog(subsystem string) bool {
	if len(l.filters) == 0 {
		return true
	}
	if l.filters[strings.ToLower(subsystem)] {
		return true
	}
	// Always allow DEBUG messages (header/footer)
	return strings.EqualFold(subsystem, "debug")
}

// SetGlobalDebugLogger sets the global debug logger instance.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the global debug logger instance.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes a formatted message with timestamp and subsystem prefix.
func (l *DebugLogger) Log(subsystem, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if !l.shouldLog(subsystem) {
		return
	}

	timestamp := time.Now().Format(stampLayout)
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, subsystem, msg)
}

// LogConnect logs a connection attempt.
func (l *DebugLogger) LogConnect(subsystem, address string) {
	l.Log(subsystem, "CONNECT to %s", address)
}

// LogConnectSuccess logs a successful connection.
func (l *DebugLogger) LogConnectSuccess(subsystem, address, details string) {
	l.Log(subsystem, "CONNECTED to %s - %s", address, details)
}

// LogConnectError logs a connection failure.
func (l *DebugLogger) LogConnectError(subsystem, address string, err error) {
	l.Log(subsystem, "CONNECT FAILED to %s: %v", address, err)
}

// LogDisconnect logs a disconnection event.
func (l *DebugLogger) LogDisconnect(subsystem, address, reason string) {
	l.Log(subsystem, "DISCONNECT from %s: %s", address, reason)
}

// LogError logs an error with context.
func (l *DebugLogger) LogError(subsystem, context string, err error) {
	l.Log(subsystem, "ERROR in %s: %v", context, err)
}

// Close closes the debug log file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	timestamp := time.Now().Format(stampLayout)
	fmt.Fprintf(l.file, "%s [DEBUG] Debug logging ended\n", timestamp)

	return l.file.Close()
}

// Global debug logging functions for use by subsystem packages

// DebugLog logs a message if debug logging is enabled.
func DebugLog(subsystem, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(subsystem, format, args...)
	}
}

// DebugConnect logs a connection attempt if debug logging is enabled.
func DebugConnect(subsystem, address string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnect(subsystem, address)
	}
}

// DebugConnectSuccess logs a successful connection if debug logging is enabled.
func DebugConnectSuccess(subsystem, address, details string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnectSuccess(subsystem, address, details)
	}
}

// DebugConnectError logs a connection error if debug logging is enabled.
func DebugConnectError(subsystem, address string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnectError(subsystem, address, err)
	}
}

// DebugDisconnect logs a disconnection if debug logging is enabled.
func DebugDisconnect(subsystem, address, reason string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogDisconnect(subsystem, address, reason)
	}
}

// DebugError logs an error if debug logging is enabled.
func DebugError(subsystem, context string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogError(subsystem, context, err)
	}
}
