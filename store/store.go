package store

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-orchestrator/model"
	"github.com/google/uuid"
)

const ErrCodeNotFound = "NOT_FOUND"

// ErrNotFound is returned by every single row lookup miss.
var ErrNotFound = apperrors.New("record not found", apperrors.CategoryNotFound).
	WithTextCode(ErrCodeNotFound)

func notFound(kind, id string) error {
	err := ErrNotFound.Clone()
	err.Message = fmt.Sprintf("%s %s not found", kind, id)
	return err.WithMetadata(map[string]any{"kind": kind, "id": id})
}

// IsNotFound reports lookup misses.
func IsNotFound(err error) bool {
	var ge *apperrors.Error
	if apperrors.As(err, &ge) {
		return ge.TextCode == ErrCodeNotFound
	}
	return false
}

// ActivityFilter narrows FindActivities. Empty fields match everything.
type ActivityFilter struct {
	ProcessID     string
	DefinitionIDs []string
	States        []model.ActivityState
}

// CorrelationQuery selects non-terminal processes by business key and/or
// process scoped variable values.
type CorrelationQuery struct {
	BusinessKey string
	Keys        map[string]any
}

type Definitions interface {
	SaveDefinition(ctx context.Context, def *model.ProcessDefinition) error
	FindDefinition(ctx context.Context, id string) (*model.ProcessDefinition, error)
	FindLatestDefinition(ctx context.Context, key string) (*model.ProcessDefinition, error)
	FindDefinitionsByKey(ctx context.Context, key string) ([]*model.ProcessDefinition, error)
	SetDefinitionSuspended(ctx context.Context, id string, suspended bool) error
}

type Processes interface {
	SaveProcess(ctx context.Context, p *model.ProcessExecution) error
	FindProcess(ctx context.Context, id string) (*model.ProcessExecution, error)
	FindChildProcesses(ctx context.Context, parentID string) ([]*model.ProcessExecution, error)
	FindProcessesForCorrelation(ctx context.Context, q CorrelationQuery) ([]*model.ProcessExecution, error)
	// SuspendByDefinition suspends up to limit non-terminal root processes of
	// the given definitions and their non-terminal descendants. It returns the
	// number of rows updated.
	SuspendByDefinition(ctx context.Context, definitionIDs []string, limit int) (int, error)
	// ResumeByDefinition reverses SuspendByDefinition. Descendants whose own
	// definition is suspended are skipped along with their subtree.
	ResumeByDefinition(ctx context.Context, definitionIDs []string, limit int) (int, error)
}

type Activities interface {
	SaveActivity(ctx context.Context, a *model.ActivityExecution) error
	FindActivity(ctx context.Context, id string) (*model.ActivityExecution, error)
	// FindActivityByDefinition returns the newest execution of definitionID.
	FindActivityByDefinition(ctx context.Context, processID, definitionID string) (*model.ActivityExecution, error)
	FindActivities(ctx context.Context, filter ActivityFilter) ([]*model.ActivityExecution, error)
	FindTimedOut(ctx context.Context, now time.Time, limit int) ([]*model.ActivityExecution, error)
	// NextTimeout returns the earliest deadline at or after now among
	// SCHEDULED and ACTIVE activities.
	NextTimeout(ctx context.Context, now time.Time) (time.Time, bool, error)
	// IsAllCompleted reports whether every matching activity is terminal.
	// With no definition ids only non-async activities are considered.
	IsAllCompleted(ctx context.Context, processID string, definitionIDs []string) (bool, error)
	IsAnyFailed(ctx context.Context, processID string) (bool, error)
	// Poll atomically claims up to limit SCHEDULED activities and moves them
	// to ACTIVE. Concurrent pollers never receive the same row.
	Poll(ctx context.Context, topic, processDefinitionKey string, limit int) ([]*model.ActivityExecution, error)
}

type Variables interface {
	// SaveVariables upserts by (execution id, key).
	SaveVariables(ctx context.Context, vars []model.Variable) error
	FindVariables(ctx context.Context, processID string) ([]model.Variable, error)
	FindExecutionVariables(ctx context.Context, executionID string) ([]model.Variable, error)
}

// Gateway is the persistence contract consumed by the engine and queue.
type Gateway interface {
	Definitions
	Processes
	Activities
	Variables
	Close() error
}

// NewID returns a time ordered unique id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func activeProcessStates() []model.ProcessState {
	return []model.ProcessState{model.ProcessActive, model.ProcessIncident}
}
