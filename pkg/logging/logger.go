// Package logging is the shared structured logger: leveled, optional JSON
// output, optional file sink, child loggers carrying bound fields.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level orders log severities.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseLevel maps a config string to a Level; unknown strings mean INFO.
func ParseLevel(level string) Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// Logger writes leveled entries to one sink. Child loggers made with
// WithField share the sink and its mutex.
type Logger struct {
	level      Level
	jsonFormat bool
	fields     map[string]interface{}

	mu   *sync.Mutex
	out  io.Writer
	file *os.File
}

// NewLogger creates a stdout logger.
func NewLogger(level Level, jsonFormat bool) *Logger {
	return &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		fields:     map[string]interface{}{},
		mu:         &sync.Mutex{},
		out:        os.Stdout,
	}
}

// NewFileLogger tees output to /var/log/promptmux/<name>.log and stdout,
// falling back to ./logs when /var/log is not writable.
func NewFileLogger(name string, level Level, jsonFormat bool) (*Logger, error) {
	dir := "/var/log/promptmux"
	if !writableDir(dir) {
		dir = "./logs"
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir %s: %w", dir, err)
		}
	}

	path := filepath.Join(dir, name+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}

	l := &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		fields:     map[string]interface{}{},
		mu:         &sync.Mutex{},
		out:        io.MultiWriter(f, os.Stdout),
		file:       f,
	}
	l.Info("logging to "+path, nil)
	return l, nil
}

// SetOutput redirects the sink; used by tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// WithField returns a child logger with one extra bound field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	child := *l
	child.fields = make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		child.fields[k] = v
	}
	child.fields[key] = value
	return &child
}

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.emit(DEBUG, msg, fields)
}

func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.emit(INFO, msg, fields)
}

func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.emit(WARN, msg, fields)
}

func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.emit(ERROR, msg, fields)
}

// Fatal logs and exits the process.
func (l *Logger) Fatal(msg string, fields ...map[string]interface{}) {
	l.emit(FATAL, msg, fields)
	os.Exit(1)
}

func (l *Logger) emit(level Level, msg string, extra []map[string]interface{}) {
	if level < l.level {
		return
	}

	merged := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	if len(extra) > 0 {
		for k, v := range extra[0] {
			merged[k] = v
		}
	}

	var line []byte
	if l.jsonFormat {
		entry := map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
			"level":     level.String(),
			"message":   msg,
		}
		if len(merged) > 0 {
			entry["fields"] = merged
		}
		b, err := json.Marshal(entry)
		if err != nil {
			b = []byte(fmt.Sprintf(`{"level":"ERROR","message":"marshal log entry: %v"}`, err))
		}
		line = append(b, '\n')
	} else {
		var sb strings.Builder
		fmt.Fprintf(&sb, "[%s] %s: %s", time.Now().Format("2006-01-02 15:04:05"), level, msg)
		// Stable key order keeps text logs diffable.
		keys := make([]string, 0, len(merged))
		for k := range merged {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, merged[k])
		}
		sb.WriteByte('\n')
		line = []byte(sb.String())
	}

	l.mu.Lock()
	l.out.Write(line)
	l.mu.Unlock()
}

// Close releases the file sink, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func writableDir(path string) bool {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return false
	}
	probe := filepath.Join(path, ".probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}
