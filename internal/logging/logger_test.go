package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var out []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %q is not valid JSON: %v", line, err)
		}
		out = append(out, e)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{in: "debug", want: LevelDebug},
		{in: " WARN ", want: LevelWarn},
		{in: "Error", want: LevelError},
		{in: "verbose", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("ParseLevel(%q) = %q, %v, want %q", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestNew_LevelFromEnv(t *testing.T) {
	tests := []struct {
		env       string
		wantDebug bool
		wantWarn  bool
	}{
		{env: "", wantDebug: true, wantWarn: true},
		{env: "bogus", wantDebug: true, wantWarn: true},
		{env: "warn", wantDebug: false, wantWarn: true},
		{env: "error", wantDebug: false, wantWarn: false},
	}
	for _, tt := range tests {
		t.Run("LOG_LEVEL="+tt.env, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", tt.env)
			l := New("harborfdx-server")
			if l.Enabled(LevelDebug) != tt.wantDebug || l.Enabled(LevelWarn) != tt.wantWarn {
				t.Errorf("Enabled(debug, warn) = %v, %v, want %v, %v",
					l.Enabled(LevelDebug), l.Enabled(LevelWarn), tt.wantDebug, tt.wantWarn)
			}
			if l.Service() != "harborfdx-server" {
				t.Errorf("Service() = %q", l.Service())
			}
		})
	}
}

func TestLogger_WithLevelDropsLowerEntries(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter("harborfdx-worker", &buf)
	quiet := base.WithLevel(LevelWarn)

	quiet.Plain().Debug("dropped")
	quiet.Plain().Info("dropped")
	quiet.Plain().Warn("kept")
	base.Plain().Debug("base unchanged")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 || lines[0].Message != "kept" || lines[1].Message != "base unchanged" {
		t.Errorf("lines = %+v, want kept then base unchanged", lines)
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	otel.SetTracerProvider(trace.NewTracerProvider(trace.WithSyncer(exporter)))

	ctx, span := otel.Tracer("logging-test").Start(context.Background(), "attempt")
	defer span.End()

	logger := New("harborfdx-worker")
	if got := logger.WithContext(ctx).TraceID; got != span.SpanContext().TraceID().String() {
		t.Errorf("WithContext() TraceID = %q, want %q", got, span.SpanContext().TraceID())
	}
	if got := logger.WithContext(context.Background()).TraceID; got != "" {
		t.Errorf("WithContext() without span TraceID = %q, want empty", got)
	}
}

func TestLogEntry_TaskFields(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("harborfdx-worker", &buf).Plain().
		WithTask("task-123").
		WithOperation("getAccounts").
		WithQueue("fdx-tasks").
		WithCustomer("cust-1001").
		WithFields(map[string]any{"attempt": 2, "delay_ms": 1000}).
		WithError(errors.New("deadlock detected")).
		WithError(nil).
		Warn("attempt failed, retrying")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	e := lines[0]
	if e.TaskID != "task-123" || e.Operation != "getAccounts" || e.Queue != "fdx-tasks" || e.CustomerID != "cust-1001" {
		t.Errorf("entry = %+v", e)
	}
	if e.Level != LevelWarn || e.Message != "attempt failed, retrying" || e.Service != "harborfdx-worker" {
		t.Errorf("entry level/msg/service = %s/%q/%s", e.Level, e.Message, e.Service)
	}
	if e.Fields["error"] != "deadlock detected" || e.Fields["attempt"] != float64(2) {
		t.Errorf("entry fields = %v", e.Fields)
	}
}

func TestLogger_WithFieldsCopiesMap(t *testing.T) {
	fields := map[string]any{"attempt": 1}
	var buf bytes.Buffer
	NewWithWriter("svc", &buf).WithFields(fields).WithField("kind", "DatabaseDeadlock").Info("attempt failed")

	if len(fields) != 1 {
		t.Errorf("caller map = %v, want only attempt", fields)
	}
	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0].Fields["kind"] != "DatabaseDeadlock" || lines[0].Fields["attempt"] != float64(1) {
		t.Errorf("lines = %+v, want attempt and kind", lines)
	}
}

func TestLogEntry_Levels(t *testing.T) {
	tests := []struct {
		name string
		log  func(*LogEntry)
		want LogLevel
	}{
		{name: "Debug", log: func(e *LogEntry) { e.Debug("m") }, want: LevelDebug},
		{name: "Info", log: func(e *LogEntry) { e.Info("m") }, want: LevelInfo},
		{name: "Warn", log: func(e *LogEntry) { e.Warn("m") }, want: LevelWarn},
		{name: "Error", log: func(e *LogEntry) { e.Error("m") }, want: LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewWithWriter("svc", &buf).WithLevel(LevelDebug).Plain())
			lines := decodeLines(t, &buf)
			if len(lines) != 1 || lines[0].Level != tt.want {
				t.Fatalf("%s() logged %+v, want level %s", tt.name, lines, tt.want)
			}
			if lines[0].Fields != nil {
				t.Errorf("%s() Fields = %v, want omitted", tt.name, lines[0].Fields)
			}
		})
	}
}

func TestLogEntry_FatalExits(t *testing.T) {
	var exited bool
	orig := exitFatal
	exitFatal = func() { exited = true }
	defer func() { exitFatal = orig }()

	var buf bytes.Buffer
	NewWithWriter("svc", &buf).WithLevel(LevelError).Plain().Fatal("fatal message")

	if !exited {
		t.Error("Fatal() did not exit")
	}
	if !strings.Contains(buf.String(), `"level":"fatal"`) {
		t.Errorf("Fatal() output = %q, want fatal level", buf.String())
	}
}

func TestLogEntry_UnencodableFieldFallsBack(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("svc", &buf).Plain().WithField("ch", make(chan int)).Error("broken field")
	if !strings.Contains(buf.String(), "[error] broken field") {
		t.Errorf("fallback output = %q", buf.String())
	}
}

func TestLogEntry_ConcurrentWritesAreLineAtomic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("svc", &buf)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Plain().WithField("i", i).Info("concurrent")
		}()
	}
	wg.Wait()

	if lines := decodeLines(t, &buf); len(lines) != 50 {
		t.Fatalf("got %d lines, want 50", len(lines))
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	if l.Enabled(LevelError) {
		t.Error("Discard().Enabled(error) = true")
	}
	l.Plain().WithTask("t").Error("dropped")
}
