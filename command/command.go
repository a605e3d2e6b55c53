package command

import (
	"context"
	"reflect"
	"regexp"
	"strings"
	"time"
)

// CommandFunc is an adapter that lets you use a function as a Commander[T]
type CommandFunc[T any] func(ctx context.Context, msg T) error

// Execute calls the underlying function
func (f CommandFunc[T]) Execute(ctx context.Context, msg T) error {
	return f(ctx, msg)
}

// Commander is responsible for executing side effects
type Commander[T any] interface {
	Execute(ctx context.Context, msg T) error
}

// QueryFunc is an adapter that lets you use a function as a Querier[T, R]
type QueryFunc[T any, R any] func(ctx context.Context, msg T) (R, error)

// Query calls the underlying function
func (f QueryFunc[T, R]) Query(ctx context.Context, msg T) (R, error) {
	return f(ctx, msg)
}

// Querier is responsible for returning data
type Querier[T any, R any] interface {
	Query(ctx context.Context, msg T) (R, error)
}

// HandlerConfig carries execution policy for scheduled and dispatched handlers.
type HandlerConfig struct {
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	Deadline   time.Time     `json:"deadline" yaml:"deadline"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	MaxRuns    int           `json:"max_runs" yaml:"max_runs"`
	RunOnce    bool          `json:"run_once" yaml:"run_once"`
	Expression string        `json:"expression" yaml:"expression"`
	NoTimeout  bool          `json:"no_timeout" yaml:"no_timeout"`
}

// GetMessageType returns the routing key for msg. Messages implementing
// Type() use it, anything else falls back to pkg::snake_case_name.
func GetMessageType(msg any) string {
	if msg == nil {
		return "unknown_type"
	}

	v := reflect.ValueOf(msg)
	if v.Kind() == reflect.Ptr && v.IsNil() {
		return "unknown_type"
	}

	if msgTyper, ok := msg.(interface{ Type() string }); ok {
		return msgTyper.Type()
	}

	t := reflect.TypeOf(msg)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	pkgPath := t.PkgPath()
	if pkgPath != "" {
		parts := strings.Split(pkgPath, "/")
		pkgPath = parts[len(parts)-1]
	}

	txName := toSnakeCase(t.Name())
	if pkgPath == "" {
		return txName
	}

	return pkgPath + "::" + txName
}

var snakeBoundary = regexp.MustCompile("([a-z0-9])([A-Z])")

func toSnakeCase(s string) string {
	return strings.ToLower(snakeBoundary.ReplaceAllString(s, "${1}_${2}"))
}
