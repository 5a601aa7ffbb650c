package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// stampLayout prefixes every line of the engine and debug logs,
// millisecond resolution so poll cycles can be correlated across files.
const stampLayout = "2006-01-02 15:04:05.000"

// FileLogger is the engine's operational log: one timestamped line per
// event, appended across restarts. Safe for concurrent use.
type FileLogger struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
}

// NewFileLogger opens the log file at path in append mode, creating it
// on first run.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &FileLogger{file: file}, nil
}

// Log appends one timestamped line. Calls after Close are dropped.
func (l *FileLogger) Log(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	fmt.Fprintf(l.file, "%s %s\n", time.Now().Format(stampLayout), fmt.Sprintf(format, args...))
}

// Close closes the log file. Idempotent.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
