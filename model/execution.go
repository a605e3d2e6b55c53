package model

import (
	"slices"
	"time"
)

type ProcessState string

const (
	ProcessActive     ProcessState = "ACTIVE"
	ProcessIncident   ProcessState = "INCIDENT"
	ProcessCompleted  ProcessState = "COMPLETED"
	ProcessTerminated ProcessState = "TERMINATED"
	ProcessCancelled  ProcessState = "CANCELLED"
	ProcessDeleted    ProcessState = "DELETED"
)

// IsTerminal reports states a process never leaves.
func (s ProcessState) IsTerminal() bool {
	switch s {
	case ProcessCompleted, ProcessTerminated, ProcessCancelled, ProcessDeleted:
		return true
	}
	return false
}

type ActivityState string

const (
	ActivityScheduled  ActivityState = "SCHEDULED"
	ActivityActive     ActivityState = "ACTIVE"
	ActivityCompleted  ActivityState = "COMPLETED"
	ActivityFailed     ActivityState = "FAILED"
	ActivityTerminated ActivityState = "TERMINATED"
	ActivityCancelled  ActivityState = "CANCELLED"
	ActivityDeleted    ActivityState = "DELETED"
)

// IsTerminal reports final activity states. FAILED is not final: retries
// and incident resolution still act on it.
func (s ActivityState) IsTerminal() bool {
	switch s {
	case ActivityCompleted, ActivityTerminated, ActivityCancelled, ActivityDeleted:
		return true
	}
	return false
}

// Failure records why an activity failed.
type Failure struct {
	Reason string `json:"reason"`
	Trace  string `json:"trace,omitempty"`
}

// ProcessExecution is one running instance of a definition.
type ProcessExecution struct {
	ID            string             `json:"id"`
	RootProcessID string             `json:"rootProcessId,omitempty"`
	ParentID      string             `json:"parentId,omitempty"`
	DefinitionID  string             `json:"definitionId"`
	DefinitionKey string             `json:"definitionKey"`
	Definition    *ProcessDefinition `json:"-"`
	BusinessKey   string             `json:"businessKey,omitempty"`
	State         ProcessState       `json:"state"`
	Suspended     bool               `json:"suspended"`
	Variables     []Variable         `json:"variables,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
	StartedAt     *time.Time         `json:"startedAt,omitempty"`
	CompletedAt   *time.Time         `json:"completedAt,omitempty"`
}

// NewProcess builds an unsaved process in state ACTIVE. Suspension is
// inherited from the definition.
func NewProcess(id string, def *ProcessDefinition) *ProcessExecution {
	now := time.Now().UTC()
	return &ProcessExecution{
		ID:            id,
		RootProcessID: id,
		DefinitionID:  def.ID,
		DefinitionKey: def.Key,
		Definition:    def,
		State:         ProcessActive,
		Suspended:     def.Suspended,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsChild reports processes started by a call activity.
func (p *ProcessExecution) IsChild() bool { return p.ParentID != "" }

func (p *ProcessExecution) IsTerminal() bool { return p.State.IsTerminal() }

func (p *ProcessExecution) Clone() *ProcessExecution {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Variables = slices.Clone(p.Variables)
	return &cp
}

// ActivityExecution is one execution of an activity definition.
type ActivityExecution struct {
	ID                   string            `json:"id"`
	DefinitionID         string            `json:"definitionId"`
	ParentDefinitionID   string            `json:"parentDefinitionId,omitempty"`
	ProcessID            string            `json:"processId"`
	Process              *ProcessExecution `json:"-"`
	ProcessDefinitionKey string            `json:"processDefinitionKey"`
	Type                 ActivityType      `json:"type"`
	Topic                string            `json:"topic,omitempty"`
	State                ActivityState     `json:"state,omitempty"`
	Retries              int               `json:"retries"`
	Async                bool              `json:"async"`
	Timeout              *time.Time        `json:"timeout,omitempty"`
	Failure              *Failure          `json:"failure,omitempty"`
	Variables            []Variable        `json:"variables,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
	StartedAt            *time.Time        `json:"startedAt,omitempty"`
	CompletedAt          *time.Time        `json:"completedAt,omitempty"`
}

// NewActivity builds an unsaved execution of def. Its state stays empty
// until the first behavior persists it.
func NewActivity(id string, process *ProcessExecution, def *ActivityDefinition) *ActivityExecution {
	now := time.Now().UTC()
	return &ActivityExecution{
		ID:                   id,
		DefinitionID:         def.ID,
		ParentDefinitionID:   def.ParentID,
		ProcessID:            process.ID,
		Process:              process,
		ProcessDefinitionKey: process.DefinitionKey,
		Type:                 def.Type,
		Topic:                def.Topic,
		Async:                process.Definition != nil && process.Definition.IsAsync(def.ID),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// Definition resolves the activity definition through the process.
func (a *ActivityExecution) Definition() (*ActivityDefinition, bool) {
	if a.Process == nil || a.Process.Definition == nil {
		return nil, false
	}
	return a.Process.Definition.Activity(a.DefinitionID)
}

// Scope returns the variable scope chain, innermost first.
func (a *ActivityExecution) Scope() []string {
	if a.Process == nil || a.Process.Definition == nil {
		return []string{a.DefinitionID}
	}
	return a.Process.Definition.Scope(a.DefinitionID)
}

// IsAsync reports activities nested in an event subprocess.
func (a *ActivityExecution) IsAsync() bool {
	if a.Async || a.Process == nil || a.Process.Definition == nil {
		return a.Async
	}
	return a.Process.Definition.IsAsync(a.DefinitionID)
}

func (a *ActivityExecution) IsNew() bool { return a.State == "" }

func (a *ActivityExecution) IsTerminal() bool { return a.State.IsTerminal() }

// Clone copies the execution. The Process pointer is shared.
func (a *ActivityExecution) Clone() *ActivityExecution {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Variables = slices.Clone(a.Variables)
	if a.Failure != nil {
		f := *a.Failure
		cp.Failure = &f
	}
	if a.Timeout != nil {
		t := *a.Timeout
		cp.Timeout = &t
	}
	return &cp
}
