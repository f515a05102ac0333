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

func decode(t *testing.T, line string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("invalid json %q: %v", line, err)
	}
	return m
}

func TestLogEntry_Fields(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger)
		check map[string]any
	}{
		{
			name: "job scoped entry",
			log: func(l *Logger) {
				l.Plain().WithTenant("acme").WithQueue("invoice-cae").WithJob("j-1").Info("job accepted")
			},
			check: map[string]any{"tenant_id": "acme", "queue": "invoice-cae", "job_id": "j-1", "level": "info", "msg": "job accepted"},
		},
		{
			name: "formatted warn with error",
			log: func(l *Logger) {
				l.Plain().WithError(errors.New("refused")).Warnf("attempt %d failed", 2)
			},
			check: map[string]any{"level": "warn", "msg": "attempt 2 failed"},
		},
		{
			name: "service stamped",
			log: func(l *Logger) {
				l.WithFields(map[string]any{"k": "v"}).Error("x")
			},
			check: map[string]any{"service": "engine", "level": "error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(New("engine").WithOutput(&buf))
			got := decode(t, strings.TrimSpace(buf.String()))
			for k, want := range tt.check {
				if got[k] != want {
					t.Errorf("%s = %v, want %v", k, got[k], want)
				}
			}
		})
	}
}

func TestWithErrorNil(t *testing.T) {
	e := New("x").Plain().WithError(nil)
	if _, ok := e.Fields["error"]; ok {
		t.Error("WithError(nil) should not add an error field")
	}
}

func TestEmptyFieldsOmitted(t *testing.T) {
	var buf bytes.Buffer
	New("x").WithOutput(&buf).Plain().Info("hi")
	if strings.Contains(buf.String(), "fields") {
		t.Errorf("empty fields should be omitted: %s", buf.String())
	}
}

func TestWithLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New("x").WithOutput(&buf).WithLevel(LevelWarn)
	l.Plain().Info("dropped")
	l.Plain().Debug("dropped")
	l.Plain().Warn("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	if decode(t, lines[0])["msg"] != "kept" {
		t.Errorf("unexpected line %s", lines[0])
	}

	if New("x").WithLevel("verbose").min != LevelInfo {
		t.Error("unknown level should fall back to info")
	}
}

func TestWithContextTraceID(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	otel.SetTracerProvider(trace.NewTracerProvider(trace.WithSyncer(exporter)))

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	e := New("x").WithContext(ctx)
	if e.TraceID == "" {
		t.Error("WithContext() should carry the trace id")
	}
	if New("x").WithContext(context.Background()).TraceID != "" {
		t.Error("WithContext() without a span should have no trace id")
	}
}

func TestConcurrentWritesAreLineAtomic(t *testing.T) {
	var buf bytes.Buffer
	l := New("x").WithOutput(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Plain().WithField("i", i).Info("tick")
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 50 {
		t.Fatalf("got %d lines, want 50", len(lines))
	}
	for _, line := range lines {
		decode(t, line)
	}
}

func TestDefaultLogger(t *testing.T) {
	SetDefaultService("jobengine")
	defer SetDefaultService("jobharbor")
	if Plain().Service != "jobengine" {
		t.Errorf("default service = %q", Plain().Service)
	}
	if Default().Service() != "jobengine" {
		t.Errorf("Default().Service() = %q", Default().Service())
	}
}
