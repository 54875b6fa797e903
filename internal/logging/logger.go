// Package logging writes one JSON object per line, correlated with the
// active trace and tagged with task fields.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/harbor_fdx/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// ParseLevel resolves a level name, case-insensitively.
func ParseLevel(s string) (LogLevel, error) {
	l := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := levelRank[l]; !ok {
		return "", fmt.Errorf("logging: unknown level %q", s)
	}
	return l, nil
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Time       time.Time      `json:"time"`
	Level      LogLevel       `json:"level"`
	Message    string         `json:"msg"`
	Service    string         `json:"service,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Operation  string         `json:"operation,omitempty"`
	Queue      string         `json:"queue,omitempty"`
	CustomerID string         `json:"customer_id,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`

	logger *Logger
}

// Logger stamps entries with a service name and drops those below its
// minimum level.
type Logger struct {
	service string
	out     io.Writer
	min     LogLevel
}

var (
	outMu     sync.Mutex
	stdout    io.Writer = os.Stdout
	exitFatal           = func() { os.Exit(1) }
)

// New creates a logger for service writing to stdout. LOG_LEVEL sets the
// minimum level; everything is written when it is unset or invalid.
func New(service string) *Logger {
	return NewWithWriter(service, nil)
}

// NewWithWriter is New writing to w; nil means stdout.
func NewWithWriter(service string, w io.Writer) *Logger {
	min, err := ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		min = LevelDebug
	}
	return &Logger{service: service, out: w, min: min}
}

// Discard returns a logger that drops every entry
func Discard() *Logger {
	return &Logger{out: io.Discard, min: LevelFatal}
}

// WithLevel returns a copy of l that drops entries below min.
func (l *Logger) WithLevel(min LogLevel) *Logger {
	cp := *l
	cp.min = min
	return &cp
}

// Service returns the service name stamped on every entry
func (l *Logger) Service() string {
	return l.service
}

// Enabled reports whether entries at level are written.
func (l *Logger) Enabled(level LogLevel) bool {
	return levelRank[level] >= levelRank[l.min]
}

func (l *Logger) entry() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  make(map[string]any),
		logger:  l,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.entry()
	entry.TraceID = tracing.GetTraceID(ctx)
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry()
}

func (e *LogEntry) WithTask(taskID string) *LogEntry {
	e.TaskID = taskID
	return e
}

func (e *LogEntry) WithOperation(operation string) *LogEntry {
	e.Operation = operation
	return e
}

func (e *LogEntry) WithQueue(queue string) *LogEntry {
	e.Queue = queue
	return e
}

func (e *LogEntry) WithCustomer(customerID string) *LogEntry {
	e.CustomerID = customerID
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields merges fields into the entry.
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	for k, v := range fields {
		e.WithField(k, v)
	}
	return e
}

// WithError records err.Error() under "error"; nil is ignored.
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.log(LevelDebug, message) }
func (e *LogEntry) Info(message string)  { e.log(LevelInfo, message) }
func (e *LogEntry) Warn(message string)  { e.log(LevelWarn, message) }
func (e *LogEntry) Error(message string) { e.log(LevelError, message) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.log(LevelFatal, message)
	exitFatal()
}

func (e *LogEntry) log(level LogLevel, message string) {
	if e.logger != nil && !e.logger.Enabled(level) {
		return
	}
	e.Level = level
	e.Message = message
	if len(e.Fields) == 0 {
		e.Fields = nil
	}

	var w io.Writer = stdout
	if e.logger != nil && e.logger.out != nil {
		w = e.logger.out
	}

	data, err := json.Marshal(e)

	outMu.Lock()
	defer outMu.Unlock()
	if err != nil {
		// Unencodable field values still leave a readable line.
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(w, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}
	_, _ = w.Write(append(data, '\n'))
}
