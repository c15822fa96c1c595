package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/eunomia-project/eunomia/internal/observability"
)

func TestJSONLEntryShape(t *testing.T) {
	var buf bytes.Buffer
	logger := &jsonlLogger{writer: &buf, minLevel: LevelDebug}

	ctx := observability.WithActor(observability.WithOpID(context.Background()), "release-bot")
	logger.Info(ctx, "distributor", "push complete", "service", "users", "instances", 5)

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}

	if entry["level"] != "info" || entry["component"] != "distributor" || entry["msg"] != "push complete" {
		t.Errorf("entry = %v", entry)
	}
	if entry["op_id"] != observability.OpID(ctx) {
		t.Errorf("op_id = %v, want the context's", entry["op_id"])
	}
	if entry["actor"] != "release-bot" {
		t.Errorf("actor = %v, want release-bot", entry["actor"])
	}
	fields := entry["fields"].(map[string]any)
	if fields["service"] != "users" || fields["instances"] != float64(5) {
		t.Errorf("fields = %v", fields)
	}
}

func TestLevelFiltering(t *testing.T) {
	cases := []struct {
		minLevel Level
		emit     func(Logger, context.Context)
		want     bool
	}{
		{LevelInfo, func(l Logger, ctx context.Context) { l.Debug(ctx, "c", "m") }, false},
		{LevelInfo, func(l Logger, ctx context.Context) { l.Info(ctx, "c", "m") }, true},
		{LevelWarn, func(l Logger, ctx context.Context) { l.Info(ctx, "c", "m") }, false},
		{LevelError, func(l Logger, ctx context.Context) { l.Warn(ctx, "c", "m") }, false},
		{LevelError, func(l Logger, ctx context.Context) { l.Error(ctx, "c", "m") }, true},
	}
	for i, tc := range cases {
		var buf bytes.Buffer
		logger := &jsonlLogger{writer: &buf, minLevel: tc.minLevel}
		tc.emit(logger, context.Background())
		if got := buf.Len() > 0; got != tc.want {
			t.Errorf("case %d: emitted = %v, want %v", i, got, tc.want)
		}
	}
}

func TestTextLoggerStableFieldOrder(t *testing.T) {
	var buf bytes.Buffer
	logger := &textLogger{writer: &buf, minLevel: LevelDebug}

	logger.Info(context.Background(), "registry", "published", "version", "1.2.3", "digest", "abc", "service", "users")

	line := buf.String()
	if !strings.HasPrefix(line, "INFO  registry: published") {
		t.Errorf("line = %q", line)
	}
	// Fields sort alphabetically: digest, service, version.
	di, si, vi := strings.Index(line, "digest="), strings.Index(line, "service="), strings.Index(line, "version=")
	if di < 0 || si < 0 || vi < 0 || !(di < si && si < vi) {
		t.Errorf("fields out of order: %q", line)
	}
}

func TestTextLoggerAppendsOpID(t *testing.T) {
	var buf bytes.Buffer
	logger := &textLogger{writer: &buf, minLevel: LevelDebug}

	ctx := observability.WithOpID(context.Background())
	logger.Warn(ctx, "cache", "entry corrupt")

	if !strings.Contains(buf.String(), "op_id="+observability.OpID(ctx)) {
		t.Errorf("op id missing: %q", buf.String())
	}
}

func TestPairFieldsDanglingKey(t *testing.T) {
	out := pairFields([]any{"key", "value", "dangling"})
	if out["key"] != "value" {
		t.Errorf("key = %v", out["key"])
	}
	if v, present := out["dangling"]; !present || v != nil {
		t.Errorf("dangling = %v (present=%v), want nil", v, present)
	}
}

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"error":   LevelError,
		"unknown": LevelInfo,
	} {
		if got := ParseLevel(s); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestFromContextFallsBackToDiscard(t *testing.T) {
	logger := From(context.Background())
	// Discarding logger never panics and writes nothing.
	logger.Info(context.Background(), "c", "m")
	if _, ok := logger.(Discard); !ok {
		t.Errorf("expected Discard, got %T", logger)
	}

	var buf bytes.Buffer
	real := &textLogger{writer: &buf, minLevel: LevelDebug}
	ctx := WithLogger(context.Background(), real)
	if From(ctx) != Logger(real) {
		t.Error("context logger not returned")
	}
}
