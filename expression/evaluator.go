package expression

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	apperrors "github.com/goliatone/go-errors"
)

const ErrCodeExpression = "EXPRESSION_FAILED"

// Evaluator resolves expressions against a variable map.
type Evaluator interface {
	Evaluate(expression string, vars map[string]any) (any, error)
	EvaluateBoolean(expression string, vars map[string]any) (bool, error)
	EvaluateString(expression string, vars map[string]any) (string, error)
}

// IsExpression reports values of the form ${...}.
func IsExpression(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && len(s) > 3
}

// Unwrap strips the ${...} delimiters when present.
func Unwrap(s string) string {
	s = strings.TrimSpace(s)
	if IsExpression(s) {
		return strings.TrimSpace(s[2 : len(s)-1])
	}
	return s
}

// ExprEvaluator compiles expressions with expr-lang and caches programs.
type ExprEvaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

var _ Evaluator = (*ExprEvaluator)(nil)

func New() *ExprEvaluator {
	return &ExprEvaluator{programs: make(map[string]*vm.Program)}
}

// Evaluate returns literals unchanged and evaluates ${...} values.
func (e *ExprEvaluator) Evaluate(expression string, vars map[string]any) (any, error) {
	if !IsExpression(expression) {
		return expression, nil
	}
	return e.run(Unwrap(expression), false, vars)
}

// EvaluateBoolean evaluates a condition with or without delimiters. Blank
// conditions are true.
func (e *ExprEvaluator) EvaluateBoolean(expression string, vars map[string]any) (bool, error) {
	source := Unwrap(expression)
	if source == "" {
		return true, nil
	}
	out, err := e.run(source, true, vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, evaluationError(source, fmt.Errorf("expected bool, got %T", out))
	}
	return b, nil
}

func (e *ExprEvaluator) EvaluateString(expression string, vars map[string]any) (string, error) {
	out, err := e.Evaluate(expression, vars)
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", nil
	}
	if s, ok := out.(string); ok {
		return s, nil
	}
	return fmt.Sprint(out), nil
}

// EvaluateMap evaluates every string value of values. Other values pass
// through untouched.
func EvaluateMap(e Evaluator, values map[string]any, vars map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for key, raw := range values {
		s, ok := raw.(string)
		if !ok {
			out[key] = raw
			continue
		}
		val, err := e.Evaluate(s, vars)
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}

func (e *ExprEvaluator) run(source string, boolean bool, vars map[string]any) (any, error) {
	program, err := e.compile(source, boolean)
	if err != nil {
		return nil, err
	}
	if vars == nil {
		vars = map[string]any{}
	}
	out, err := expr.Run(program, vars)
	if err != nil {
		return nil, evaluationError(source, err)
	}
	return out, nil
}

func (e *ExprEvaluator) compile(source string, boolean bool) (*vm.Program, error) {
	key := source
	if boolean {
		key = "bool:" + source
	}

	e.mu.RLock()
	program, ok := e.programs[key]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	opts := []expr.Option{expr.AllowUndefinedVariables()}
	if boolean {
		opts = append(opts, expr.AsBool())
	}
	program, err := expr.Compile(source, opts...)
	if err != nil {
		return nil, evaluationError(source, err)
	}

	e.mu.Lock()
	e.programs[key] = program
	e.mu.Unlock()
	return program, nil
}

func evaluationError(source string, err error) error {
	return apperrors.Wrap(err, apperrors.CategoryBadInput, "expression evaluation failed").
		WithTextCode(ErrCodeExpression).
		WithMetadata(map[string]any{"expression": source})
}
