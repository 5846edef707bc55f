package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// JSONLogEntry is one line written by the JSON logger.
type JSONLogEntry struct {
	Timestamp time.Time              `json:"ts"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"msg"`
	TraceID   string                 `json:"trace_id,omitempty"`
	SpanID    string                 `json:"span_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// lineWriter serializes whole lines onto a sink shared by derived loggers.
type lineWriter struct {
	mu   sync.Mutex
	sink Sink
}

func (w *lineWriter) writeLine(buf []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.sink.Write(append(buf, '\n')); err != nil {
		log.Printf("logger: write: %v", err)
	}
}

type jsonLogger struct {
	out        *lineWriter
	level      LogLevel
	components []string
	fields     map[string]interface{}
	span       trace.SpanContext
	now        func() time.Time
	child      Logger
}

var _ SinkLogger = (*jsonLogger)(nil)

func (c *jsonLogger) clone() *jsonLogger {
	cp := *c
	cp.components = append([]string(nil), c.components...)
	cp.fields = make(map[string]interface{}, len(c.fields))
	for k, v := range c.fields {
		cp.fields[k] = v
	}
	return &cp
}

// WithContext picks up the active OpenTelemetry span so entries can be
// correlated with traces.
func (c *jsonLogger) WithContext(ctx context.Context) Logger {
	clone := c.clone()
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		clone.span = sc
	}
	if clone.child != nil {
		clone.child = clone.child.WithContext(ctx)
	}
	return clone
}

// WithPrefix adds a component. "[cache]" and "cache" name the same one.
func (c *jsonLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	name := strings.TrimSuffix(strings.TrimPrefix(prefix, "["), "]")
	if name != "" && !containsString(clone.components, name) {
		clone.components = append(clone.components, name)
	}
	if clone.child != nil {
		clone.child = clone.child.WithPrefix(prefix)
	}
	return clone
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (c *jsonLogger) With(fields map[string]interface{}) Logger {
	clone := c.clone()
	for k, v := range fields {
		clone.fields[k] = v
	}
	if clone.child != nil {
		clone.child = clone.child.With(fields)
	}
	return clone
}

func (c *jsonLogger) SetSink(sink Sink, level LogLevel) {
	c.out = &lineWriter{sink: sink}
	c.level = level
}

func (c *jsonLogger) emit(level LogLevel, name string, msg string, args []interface{}) {
	if level < c.level {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	entry := JSONLogEntry{
		Timestamp: c.now().UTC(),
		Level:     name,
		Component: strings.Join(c.components, "."),
		Message:   ansiColorStripper.ReplaceAllString(msg, ""),
	}
	if len(c.fields) > 0 {
		entry.Fields = c.fields
	}
	if c.span.IsValid() {
		entry.TraceID = c.span.TraceID().String()
		entry.SpanID = c.span.SpanID().String()
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		// a field value that cannot be encoded still leaves a line behind
		entry.Fields = map[string]interface{}{"encode_error": err.Error()}
		buf, _ = json.Marshal(entry)
	}
	c.out.writeLine(buf)
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) {
	c.emit(LevelTrace, "trace", msg, args)
	if c.child != nil {
		c.child.Trace(msg, args...)
	}
}

func (c *jsonLogger) Debug(msg string, args ...interface{}) {
	c.emit(LevelDebug, "debug", msg, args)
	if c.child != nil {
		c.child.Debug(msg, args...)
	}
}

func (c *jsonLogger) Info(msg string, args ...interface{}) {
	c.emit(LevelInfo, "info", msg, args)
	if c.child != nil {
		c.child.Info(msg, args...)
	}
}

func (c *jsonLogger) Warn(msg string, args ...interface{}) {
	c.emit(LevelWarn, "warn", msg, args)
	if c.child != nil {
		c.child.Warn(msg, args...)
	}
}

func (c *jsonLogger) Error(msg string, args ...interface{}) {
	c.emit(LevelError, "error", msg, args)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
}

func (c *jsonLogger) Fatal(msg string, args ...interface{}) {
	c.emit(LevelError, "fatal", msg, args)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
	os.Exit(1)
}

func (c *jsonLogger) Stack(next Logger) Logger {
	clone := c.clone()
	clone.child = next
	return clone
}

// NewJSONLoggerWithSink returns a JSON logger writing to sink.
func NewJSONLoggerWithSink(sink Sink, level LogLevel) SinkLogger {
	return &jsonLogger{
		out:    &lineWriter{sink: sink},
		level:  level,
		fields: map[string]interface{}{},
		now:    time.Now,
	}
}
