package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"slackrelay/pkg/jsoncodec"
)

// Entry is one line of JSON log output.
type Entry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) writeLine(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.w.Write(append(line, '\n'))
	return err
}

// jsonHandler writes one Entry per record. Attributes bound through WithAttrs
// are flattened once, when the child handler is built.
type jsonHandler struct {
	level     slog.Level
	addSource bool
	out       *lineWriter

	// prefix is the dotted group path applied to attributes added later.
	prefix    string
	component string
	bound     map[string]any
}

func newJSONHandler(w io.Writer, level slog.Level, addSource bool) *jsonHandler {
	return &jsonHandler{level: level, addSource: addSource, out: &lineWriter{w: w}}
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *jsonHandler) Handle(_ context.Context, record slog.Record) error {
	stamp := record.Time
	if stamp.IsZero() {
		stamp = time.Now()
	}

	entry := Entry{
		Level:     strings.ToLower(record.Level.String()),
		Timestamp: stamp.UTC().Format(time.RFC3339Nano),
		Component: h.component,
		Message:   record.Message,
	}

	fields := maps.Clone(h.bound)
	record.Attrs(func(attr slog.Attr) bool {
		fields = collect(fields, &entry.Component, h.prefix, attr)
		return true
	})
	if len(fields) > 0 {
		entry.Fields = fields
	}

	if h.addSource && record.PC != 0 {
		entry.Caller = caller(record.PC)
	}

	line, err := jsoncodec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	return h.out.writeLine(line)
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	next := *h
	next.bound = maps.Clone(h.bound)
	for _, attr := range attrs {
		next.bound = collect(next.bound, &next.component, h.prefix, attr)
	}
	return &next
}

func (h *jsonHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// collect stores attr under prefix. An ungrouped string "component" attribute
// becomes the entry component instead of a field.
func collect(fields map[string]any, component *string, prefix string, attr slog.Attr) map[string]any {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return fields
	}

	key := prefix + attr.Key
	if key == "component" && attr.Value.Kind() == slog.KindString {
		*component = attr.Value.String()
		return fields
	}

	if fields == nil {
		fields = make(map[string]any)
	}
	fields[key] = fieldValue(attr.Value)
	return fields
}

func fieldValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := value.Group()
		nested := make(map[string]any, len(group))
		for _, attr := range group {
			nested[attr.Key] = fieldValue(attr.Value.Resolve())
		}
		return nested
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return err.Error()
		}
		return value.Any()
	default:
		return value.Any()
	}
}

func caller(pc uintptr) string {
	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.File == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}
