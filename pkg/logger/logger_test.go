package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func captureLogger(level zerolog.Level) (*Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logg := New(Options{ServiceName: "test", Level: level, Output: buf})
	return logg, buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var entry map[string]any
	if err := json.Unmarshal(lines[len(lines)-1], &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	return entry
}

func TestInfoCarriesServiceAndFields(t *testing.T) {
	logg, buf := captureLogger(zerolog.InfoLevel)

	ctx := logg.WithFields(context.Background(), map[string]any{"operation": "widgets.create"})
	ctx = logg.WithRequestID(ctx, "req-1")
	logg.Info(ctx, "operation completed")

	entry := lastEntry(t, buf)
	if entry["service"] != "test" {
		t.Fatalf("missing service field: %v", entry)
	}
	if entry["operation"] != "widgets.create" {
		t.Fatalf("missing operation field: %v", entry)
	}
	if entry["request_id"] != "req-1" {
		t.Fatalf("missing request id: %v", entry)
	}
	if entry["message"] != "operation completed" {
		t.Fatalf("unexpected message: %v", entry)
	}
}

func TestDebugSuppressedBelowLevel(t *testing.T) {
	logg, buf := captureLogger(zerolog.InfoLevel)
	logg.Debug(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line emitted at info level: %s", buf.String())
	}
}

func TestErrorIncludesCauseAndStack(t *testing.T) {
	logg, buf := captureLogger(zerolog.InfoLevel)
	logg.Error(context.Background(), "it broke", errors.New("cause here"))

	entry := lastEntry(t, buf)
	if entry["error"] != "cause here" {
		t.Fatalf("missing error field: %v", entry)
	}
	if entry["stack"] == nil || entry["stack"] == "" {
		t.Fatalf("missing stack field: %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != zerolog.DebugLevel {
		t.Fatalf("debug not parsed")
	}
	if ParseLevel(" WARN ") != zerolog.WarnLevel {
		t.Fatalf("padded level not parsed")
	}
	if ParseLevel("") != zerolog.InfoLevel {
		t.Fatalf("empty level must default to info")
	}
	if ParseLevel("nonsense") != zerolog.InfoLevel {
		t.Fatalf("unknown level must default to info")
	}
}
