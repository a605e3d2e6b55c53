package command

import (
	"fmt"
	"log"
	"runtime"
	"sort"
	"strings"

	"github.com/goliatone/go-errors"
)

type PanicLogger func(funcName string, err any, stack []byte, fields ...map[string]any)

// MakePanicHandler returns a function meant to be deferred. It recovers a
// panic and reports it to logger with a trimmed stack.
func MakePanicHandler(logger PanicLogger) func(funcName string, fields ...map[string]any) {
	return func(funcName string, fields ...map[string]any) {
		if err := recover(); err != nil {
			logger(funcName, err, captureStack(), fields...)
		}
	}
}

// RecoverAsError must be deferred directly. A recovered panic is stored in
// errp as a handler category error carrying the stack in metadata.
func RecoverAsError(errp *error, funcName string) {
	r := recover()
	if r == nil || errp == nil {
		return
	}

	source, ok := r.(error)
	if !ok {
		source = fmt.Errorf("%v", r)
	}

	*errp = errors.Wrap(source, errors.CategoryHandler, fmt.Sprintf("panic recovered in %s", funcName)).
		WithTextCode("HANDLER_PANIC").
		WithMetadata(map[string]any{"stack": string(captureStack())})
}

func DefaultPanicLogger(funcName string, err any, stack []byte, fields ...map[string]any) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[FATAL] recovered from panic in %s\n", funcName))
	sb.WriteString(fmt.Sprintf("Error: %v\n", err))
	sb.WriteString(fmt.Sprintf("Error Type: %T\n", err))

	if len(fields) > 0 && fields[0] != nil {
		sb.WriteString("Context:\n")
		keys := make([]string, 0, len(fields[0]))
		for k := range fields[0] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("  %s: %v\n", k, fields[0][k]))
		}
	}

	sb.WriteString("Stack Trace:\n")
	sb.Write(stack)
	log.Print(sb.String())
}

func captureStack() []byte {
	stack := make([]byte, 8096)
	n := runtime.Stack(stack, false)
	return cleanStackTrace(stack[:n])
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() frame and its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
