package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger is the logging contract shared by every package.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger extends Logger with structured-field support.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

// FmtLogger is the local fallback logger used when no external logger is configured.
type FmtLogger struct {
	mu     *sync.Mutex
	out    io.Writer
	ctx    context.Context
	fields map[string]any
	level  Level
}

// NewFmtLogger constructs a fallback logger writing to stdout when out is nil.
func NewFmtLogger(out io.Writer) *FmtLogger {
	if out == nil {
		out = os.Stdout
	}
	return &FmtLogger{mu: &sync.Mutex{}, out: out, ctx: context.Background(), level: LevelInfo}
}

// WithLevel returns a copy that drops entries below level.
func (l *FmtLogger) WithLevel(level Level) *FmtLogger {
	cp := *l
	cp.level = level
	return &cp
}

func (l *FmtLogger) Trace(msg string, args ...any) { l.log(LevelTrace, msg, args...) }
func (l *FmtLogger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }
func (l *FmtLogger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args...) }
func (l *FmtLogger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args...) }
func (l *FmtLogger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }
func (l *FmtLogger) Fatal(msg string, args ...any) { l.log(LevelFatal, msg, args...) }

func (l *FmtLogger) WithContext(ctx context.Context) Logger {
	cp := *l
	if ctx == nil {
		ctx = context.Background()
	}
	cp.ctx = ctx
	return &cp
}

// WithFields adds fields on a shallow-copy logger.
func (l *FmtLogger) WithFields(fields map[string]any) Logger {
	cp := *l
	cp.fields = mergeFields(l.fields, fields)
	return &cp
}

func (l *FmtLogger) log(level Level, msg string, args ...any) {
	if level < l.level {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	line := fmt.Sprintf("%s %-5s %s", time.Now().UTC().Format(time.RFC3339Nano), level, strings.TrimSpace(msg))
	if fields := formatFields(l.fields); fields != "" {
		line += " " + fields
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, line)
}

// Normalize returns logger or the stdout fallback when logger is nil.
func Normalize(logger Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return logger
}

// WithFields attaches fields when logger supports them.
func WithFields(logger Logger, fields map[string]any) Logger {
	logger = Normalize(logger)
	if fl, ok := logger.(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}

// Nop discards everything.
func Nop() Logger {
	return NewFmtLogger(io.Discard).WithLevel(LevelSilent)
}

func mergeFields(a, b map[string]any) map[string]any {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}
