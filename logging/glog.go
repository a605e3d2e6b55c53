package logging

import (
	"context"
	"io"
	"strings"

	"github.com/goliatone/go-logger/glog"
)

// GlogLogger adapts a go-logger glog.Logger to Logger.
type GlogLogger struct {
	logger glog.Logger
}

// NewGlogLogger builds a go-logger backed Logger. format "json" selects the
// JSON encoder, anything else keeps the go-logger default.
func NewGlogLogger(w io.Writer, level, format string) *GlogLogger {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return &GlogLogger{logger: glog.NewLogger(
			glog.WithWriter(w),
			glog.WithLoggerTypeJSON(),
			glog.WithLevel(level),
		)}
	}
	return &GlogLogger{logger: glog.NewLogger(
		glog.WithWriter(w),
		glog.WithLevel(level),
	)}
}

// WrapGlog adapts an existing glog.Logger.
func WrapGlog(l glog.Logger) *GlogLogger {
	return &GlogLogger{logger: l}
}

func (l *GlogLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l *GlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *GlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *GlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *GlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *GlogLogger) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l *GlogLogger) WithContext(ctx context.Context) Logger {
	return &GlogLogger{logger: l.logger.WithContext(ctx)}
}

func (l *GlogLogger) WithFields(fields map[string]any) Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return &GlogLogger{logger: fl.WithFields(fields)}
	}
	return l
}
