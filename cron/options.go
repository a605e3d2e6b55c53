package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-orchestrator/logging"
	"github.com/goliatone/go-orchestrator/runner"
)

type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Parser selects the accepted cron expression format.
type Parser int

const (
	// DefaultParser accepts five fields and descriptors such as @every.
	DefaultParser Parser = iota
	StandardParser
	SecondsParser
)

type Option func(*Scheduler)

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithLogLevel(level LogLevel) Option {
	return func(s *Scheduler) {
		s.logLevel = level
	}
}

func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		s.errorHandler = handler
	}
}

func WithParser(p Parser) Option {
	return func(s *Scheduler) {
		s.parser = p
	}
}

// WithRetryStrategy sets the delay between retries of a failed job run.
func WithRetryStrategy(strategy runner.RetryStrategy) Option {
	return func(s *Scheduler) {
		s.retry = strategy
	}
}

// loggerAdapter feeds robfig/cron key value logs into a logging.Logger.
type loggerAdapter struct {
	logger logging.Logger
	level  LogLevel
}

func (l *loggerAdapter) Info(msg string, keysAndValues ...any) {
	if l.level >= LogLevelDebug {
		l.logger.Debug("cron: %s%s", msg, formatKV(keysAndValues))
	} else if l.level >= LogLevelInfo {
		l.logger.Info("cron: %s%s", msg, formatKV(keysAndValues))
	}
}

func (l *loggerAdapter) Error(err error, msg string, keysAndValues ...any) {
	if l.level >= LogLevelError {
		l.logger.Error("cron: %s: %v%s", msg, err, formatKV(keysAndValues))
	}
}

func formatKV(kv []any) string {
	if len(kv) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	return b.String()
}

// errorHandlerAdapter routes recovered job panics to the error handler.
type errorHandlerAdapter struct {
	handler func(error)
}

func (e *errorHandlerAdapter) Info(string, ...any) {}

func (e *errorHandlerAdapter) Error(err error, msg string, _ ...any) {
	if e.handler == nil {
		return
	}
	if err == nil {
		err = fmt.Errorf("%s", msg)
	}
	e.handler(err)
}
