package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TraceLogger writes timestamped scheduling-decision traces to a file.
// A logger without a file is a no-op, so trace calls stay unconditional
// in the hot path.
type TraceLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewTraceLogger creates a logger appending to the given path, creating
// parent directories as needed. An empty path returns a no-op logger.
func NewTraceLogger(path string) (*TraceLogger, error) {
	if path == "" {
		return &TraceLogger{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create trace log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trace log: %w", err)
	}

	l := &TraceLogger{file: f}
	l.Log("=== dispatch trace started at %s ===", time.Now().Format(time.RFC3339))
	return l, nil
}

// Log writes one timestamped line. Safe on a nil or no-op logger.
func (l *TraceLogger) Log(format string, args ...any) {
	if l == nil || l.file == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.file, "[%s] %s\n", time.Now().Format("15:04:05.000"), fmt.Sprintf(format, args...))
	l.file.Sync()
}

// Close closes the underlying file. Safe on a nil or no-op logger.
func (l *TraceLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
