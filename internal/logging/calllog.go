package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// CallRecord captures one outbound dependency call, including the retries
// and degradation the resilience layer applied to it.
type CallRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Dependency string    `json:"dependency"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Status     int       `json:"status,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Retries    int       `json:"retries,omitempty"`
	Degraded   bool      `json:"degraded,omitempty"`
	FromCache  bool      `json:"from_cache,omitempty"`
}

// CallLogger handles outbound call logging.
type CallLogger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultCallLogger = &CallLogger{enabled: true, console: true}

// Calls returns the default call logger.
func Calls() *CallLogger {
	return defaultCallLogger
}

// SetOutput sets the log output file.
func (l *CallLogger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *CallLogger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a call record.
func (l *CallLogger) Log(rec *CallRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	rec.Timestamp = time.Now()

	// Console output (human-readable)
	if l.console {
		status := "✓"
		if !rec.Success {
			status = "✗"
		}
		degraded := ""
		if rec.Degraded {
			degraded = " [degraded]"
		}
		cache := ""
		if rec.FromCache {
			cache = " [cached]"
		}
		retry := ""
		if rec.Retries > 0 {
			retry = fmt.Sprintf(" [retry:%d]", rec.Retries)
		}
		fmt.Printf("[call] %s %s %s %s %dms%s%s%s\n",
			status, rec.Dependency, rec.Method, rec.URL, rec.DurationMs, degraded, cache, retry)
		if rec.Error != "" {
			fmt.Printf("[call]   error: %s\n", rec.Error)
		}
	}

	// File output (JSON)
	if l.file != nil {
		data, _ := json.Marshal(rec)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *CallLogger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
