package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eunomia-project/eunomia/internal/observability"
)

// jsonlLogger emits one JSON object per line, shaped to join with the
// audit trail on op_id and actor.
type jsonlLogger struct {
	mu       sync.Mutex
	writer   io.Writer
	closer   io.Closer
	minLevel Level
}

type logEntry struct {
	Timestamp string         `json:"ts"`
	Level     string         `json:"level"`
	Component string         `json:"component"`
	OpID      string         `json:"op_id,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

func (j *jsonlLogger) log(ctx context.Context, level Level, component, msg string, fields ...any) {
	if level < j.minLevel {
		return
	}

	entry := logEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Component: component,
		OpID:      observability.OpID(ctx),
		Actor:     observability.Actor(ctx),
		Message:   msg,
		Fields:    pairFields(fields),
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	_, _ = j.writer.Write(append(raw, '\n'))
}

// pairFields folds alternating key/value arguments into a map; a dangling
// key keeps its position with a nil value.
func pairFields(fields []any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]any, (len(fields)+1)/2)
	for i := 0; i < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprint(fields[i])
		}
		if i+1 < len(fields) {
			out[key] = fields[i+1]
		} else {
			out[key] = nil
		}
	}
	return out
}

func (j *jsonlLogger) Debug(ctx context.Context, component, msg string, fields ...any) {
	j.log(ctx, LevelDebug, component, msg, fields...)
}

func (j *jsonlLogger) Info(ctx context.Context, component, msg string, fields ...any) {
	j.log(ctx, LevelInfo, component, msg, fields...)
}

func (j *jsonlLogger) Warn(ctx context.Context, component, msg string, fields ...any) {
	j.log(ctx, LevelWarn, component, msg, fields...)
}

func (j *jsonlLogger) Error(ctx context.Context, component, msg string, fields ...any) {
	j.log(ctx, LevelError, component, msg, fields...)
}

func (j *jsonlLogger) Close() error {
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}

// textLogger is the human-facing backend: level, component, message, then
// key=value fields in stable order.
type textLogger struct {
	mu       sync.Mutex
	writer   io.Writer
	closer   io.Closer
	minLevel Level
}

func (t *textLogger) log(ctx context.Context, level Level, component, msg string, fields ...any) {
	if level < t.minLevel {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-5s %s: %s", strings.ToUpper(level.String()), component, msg)
	pairs := pairFields(fields)
	keys := make([]string, 0, len(pairs))
	for key := range pairs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, " %s=%v", key, pairs[key])
	}
	if opID := observability.OpID(ctx); opID != "" {
		fmt.Fprintf(&b, " op_id=%s", opID)
	}
	b.WriteByte('\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = io.WriteString(t.writer, b.String())
}

func (t *textLogger) Debug(ctx context.Context, component, msg string, fields ...any) {
	t.log(ctx, LevelDebug, component, msg, fields...)
}

func (t *textLogger) Info(ctx context.Context, component, msg string, fields ...any) {
	t.log(ctx, LevelInfo, component, msg, fields...)
}

func (t *textLogger) Warn(ctx context.Context, component, msg string, fields ...any) {
	t.log(ctx, LevelWarn, component, msg, fields...)
}

func (t *textLogger) Error(ctx context.Context, component, msg string, fields ...any) {
	t.log(ctx, LevelError, component, msg, fields...)
}

func (t *textLogger) Close() error {
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}
