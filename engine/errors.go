package engine

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-orchestrator/dispatcher"
	"github.com/goliatone/go-orchestrator/model"
	"github.com/goliatone/go-orchestrator/store"
)

const (
	ErrCodeNotFound             = store.ErrCodeNotFound
	ErrCodeAmbiguousCorrelation = "AMBIGUOUS_CORRELATION"
	ErrCodeConfiguration        = dispatcher.ErrCodeConfiguration
	ErrCodeExecutionFailed      = "EXECUTION_FAILED"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeTimeout              = "TIMEOUT"
)

// TimeoutReason is the failure reason written on activities whose deadline
// elapsed.
const TimeoutReason = "Timeout"

var (
	ErrNotFound = store.ErrNotFound

	ErrAmbiguousCorrelation = apperrors.New("message correlation is ambiguous", apperrors.CategoryConflict).
				WithTextCode(ErrCodeAmbiguousCorrelation)
	ErrConfiguration = apperrors.New("engine configuration error", apperrors.CategoryInternal).
				WithTextCode(ErrCodeConfiguration)
	ErrExecutionFailed = apperrors.New("activity execution failed", apperrors.CategoryHandler).
				WithTextCode(ErrCodeExecutionFailed)
	ErrInvalidTransition = apperrors.New("invalid transition", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidTransition)
	ErrTimeout = apperrors.New("activity timed out", apperrors.CategoryOperation).
			WithTextCode(ErrCodeTimeout)
)

func newError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// timedOut describes the failure of an activity whose deadline elapsed.
func timedOut(a *model.ActivityExecution) *apperrors.Error {
	metadata := map[string]any{
		"activity_id":   a.ID,
		"definition_id": a.DefinitionID,
		"process_id":    a.ProcessID,
	}
	message := fmt.Sprintf("activity %s timed out", a.ID)
	if a.Timeout != nil {
		metadata["deadline"] = a.Timeout.Format(time.RFC3339)
		message = fmt.Sprintf("activity %s passed its deadline %s", a.ID, a.Timeout.Format(time.RFC3339))
	}
	return newError(ErrTimeout, message, nil, metadata)
}

func errorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

func IsNotFound(err error) bool { return errorCode(err) == ErrCodeNotFound }

func IsAmbiguousCorrelation(err error) bool { return errorCode(err) == ErrCodeAmbiguousCorrelation }

func IsConfigurationError(err error) bool { return errorCode(err) == ErrCodeConfiguration }

func IsExecutionFailed(err error) bool { return errorCode(err) == ErrCodeExecutionFailed }
