package engine

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-orchestrator/model"
)

// ActivityRef addresses an activity execution either by id or by
// definition id within a process.
type ActivityRef struct {
	ActivityID   string `json:"activityId,omitempty"`
	ProcessID    string `json:"processId,omitempty"`
	DefinitionID string `json:"definitionId,omitempty"`
}

// ByID addresses an existing execution.
func ByID(activityID string) ActivityRef {
	return ActivityRef{ActivityID: activityID}
}

// ByDefinition addresses definitionID inside processID.
func ByDefinition(processID, definitionID string) ActivityRef {
	return ActivityRef{ProcessID: processID, DefinitionID: definitionID}
}

func (r ActivityRef) validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ActivityID, validation.When(r.ProcessID == "" && r.DefinitionID == "", validation.Required)),
		validation.Field(&r.ProcessID, validation.When(r.ActivityID == "", validation.Required)),
		validation.Field(&r.DefinitionID, validation.When(r.ActivityID == "", validation.Required)),
	)
}

func (r ActivityRef) String() string {
	if r.ActivityID != "" {
		return r.ActivityID
	}
	return r.ProcessID + "/" + r.DefinitionID
}

// RunActivity runs an existing execution, or a new execution of
// DefinitionID when addressed by definition.
type RunActivity struct {
	ActivityRef
}

func (RunActivity) Type() string      { return "engine.activity.run" }
func (c RunActivity) Validate() error { return c.validate() }

type CompleteActivity struct {
	ActivityRef
	Variables map[string]any
}

func (CompleteActivity) Type() string      { return "engine.activity.complete" }
func (c CompleteActivity) Validate() error { return c.validate() }

type FailActivity struct {
	ActivityRef
	Reason    string
	Trace     string
	Variables map[string]any
}

func (FailActivity) Type() string { return "engine.activity.fail" }

func (c FailActivity) Validate() error {
	if err := c.validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(&c, validation.Field(&c.Reason, validation.Required))
}

type RetryActivity struct {
	ActivityRef
}

func (RetryActivity) Type() string      { return "engine.activity.retry" }
func (c RetryActivity) Validate() error { return c.validate() }

// TerminateActivity stops an execution. Without Interrupt the flow
// continues to the execution's successors.
type TerminateActivity struct {
	ActivityRef
	Interrupt bool
}

func (TerminateActivity) Type() string      { return "engine.activity.terminate" }
func (c TerminateActivity) Validate() error { return c.validate() }

type CancelActivity struct {
	ActivityRef
}

func (CancelActivity) Type() string      { return "engine.activity.cancel" }
func (c CancelActivity) Validate() error { return c.validate() }

type DeleteActivity struct {
	ActivityRef
}

func (DeleteActivity) Type() string      { return "engine.activity.delete" }
func (c DeleteActivity) Validate() error { return c.validate() }

// TriggerActivity delivers an event to a triggerable definition: a catch
// event, a boundary event or an event subprocess start.
type TriggerActivity struct {
	ProcessID    string
	DefinitionID string
	Variables    map[string]any
}

func (TriggerActivity) Type() string { return "engine.activity.trigger" }

func (c TriggerActivity) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ProcessID, validation.Required),
		validation.Field(&c.DefinitionID, validation.Required),
	)
}

// RunAll runs a new execution of every definition in DefinitionIDs.
type RunAll struct {
	ProcessID     string
	DefinitionIDs []string
}

func (RunAll) Type() string { return "engine.activity.run_all" }

func (c RunAll) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ProcessID, validation.Required),
		validation.Field(&c.DefinitionIDs, validation.Required),
	)
}

type FailAll struct {
	ActivityIDs []string
	Reason      string
}

func (FailAll) Type() string { return "engine.activity.fail_all" }

func (c FailAll) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ActivityIDs, validation.Required),
		validation.Field(&c.Reason, validation.Required),
	)
}

type RetryAll struct {
	ActivityIDs []string
}

func (RetryAll) Type() string      { return "engine.activity.retry_all" }
func (c RetryAll) Validate() error { return validateIDs(&c.ActivityIDs) }

type TerminateAll struct {
	ActivityIDs []string
	Interrupt   bool
}

func (TerminateAll) Type() string      { return "engine.activity.terminate_all" }
func (c TerminateAll) Validate() error { return validateIDs(&c.ActivityIDs) }

type CancelAll struct {
	ActivityIDs []string
}

func (CancelAll) Type() string      { return "engine.activity.cancel_all" }
func (c CancelAll) Validate() error { return validateIDs(&c.ActivityIDs) }

type DeleteAll struct {
	ActivityIDs []string
}

func (DeleteAll) Type() string      { return "engine.activity.delete_all" }
func (c DeleteAll) Validate() error { return validateIDs(&c.ActivityIDs) }

func validateIDs(ids *[]string) error {
	return validation.Validate(*ids, validation.Required, validation.Each(validation.Required))
}

// StartProcess creates and runs a process. DefinitionID wins over
// DefinitionKey; a zero Version selects the latest version of the key.
type StartProcess struct {
	DefinitionID     string
	DefinitionKey    string
	Version          int
	ProcessID        string
	BusinessKey      string
	Variables        map[string]any
	ParentActivityID string
}

func (StartProcess) Type() string { return "engine.process.start" }

func (c StartProcess) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.DefinitionID, validation.When(c.DefinitionKey == "", validation.Required)),
		validation.Field(&c.DefinitionKey, validation.When(c.DefinitionID == "", validation.Required)),
		validation.Field(&c.Version, validation.Min(0)),
	)
}

type processCommand struct {
	ProcessID string
}

func (c processCommand) Validate() error {
	return validation.ValidateStruct(&c, validation.Field(&c.ProcessID, validation.Required))
}

// CompleteProcess completes the process when every non-async activity is
// terminal. Otherwise it is a no-op.
type CompleteProcess struct{ processCommand }

func (CompleteProcess) Type() string { return "engine.process.complete" }

type IncidentProcess struct{ processCommand }

func (IncidentProcess) Type() string { return "engine.process.incident" }

// ResolveIncident moves an INCIDENT process back to ACTIVE once none of its
// activities is FAILED.
type ResolveIncident struct{ processCommand }

func (ResolveIncident) Type() string { return "engine.process.resolve_incident" }

// TerminateProcess terminates every live activity and the process. Without
// Interrupt a child process hands control back to its call activity.
type TerminateProcess struct {
	processCommand
	Interrupt bool
}

func (TerminateProcess) Type() string { return "engine.process.terminate" }

type CancelProcess struct{ processCommand }

func (CancelProcess) Type() string { return "engine.process.cancel" }

type DeleteProcess struct{ processCommand }

func (DeleteProcess) Type() string { return "engine.process.delete" }

func NewCompleteProcess(processID string) CompleteProcess {
	return CompleteProcess{processCommand{ProcessID: processID}}
}

func NewIncidentProcess(processID string) IncidentProcess {
	return IncidentProcess{processCommand{ProcessID: processID}}
}

func NewResolveIncident(processID string) ResolveIncident {
	return ResolveIncident{processCommand{ProcessID: processID}}
}

func NewTerminateProcess(processID string, interrupt bool) TerminateProcess {
	return TerminateProcess{processCommand: processCommand{ProcessID: processID}, Interrupt: interrupt}
}

func NewCancelProcess(processID string) CancelProcess {
	return CancelProcess{processCommand{ProcessID: processID}}
}

func NewDeleteProcess(processID string) DeleteProcess {
	return DeleteProcess{processCommand{ProcessID: processID}}
}

// MoveExecution terminates the live execution of FromDefinitionID and runs
// ToDefinitionID in its place.
type MoveExecution struct {
	ProcessID        string
	FromDefinitionID string
	ToDefinitionID   string
}

func (MoveExecution) Type() string { return "engine.process.move" }

func (c MoveExecution) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ProcessID, validation.Required),
		validation.Field(&c.FromDefinitionID, validation.Required),
		validation.Field(&c.ToDefinitionID, validation.Required),
	)
}

// SetVariables writes variables for a process or activity execution. Local
// writes stay on the activity; otherwise existing keys are updated where
// they are bound and new keys land on the process.
type SetVariables struct {
	ExecutionID string
	Variables   map[string]any
	Local       bool
}

func (SetVariables) Type() string { return "engine.variables.set" }

func (c SetVariables) Validate() error {
	return validation.ValidateStruct(&c, validation.Field(&c.ExecutionID, validation.Required))
}

// CorrelateError routes a business error raised by ActivityID to the
// nearest matching handler.
type CorrelateError struct {
	ActivityID string
	Code       string
}

func (CorrelateError) Type() string { return "engine.correlate.error" }

func (c CorrelateError) Validate() error {
	return validation.ValidateStruct(&c, validation.Field(&c.ActivityID, validation.Required))
}

type CorrelateEscalation struct {
	ActivityID string
	Code       string
}

func (CorrelateEscalation) Type() string { return "engine.correlate.escalation" }

func (c CorrelateEscalation) Validate() error {
	return validation.ValidateStruct(&c, validation.Field(&c.ActivityID, validation.Required))
}

// CorrelateMessage delivers a message to the single process matching the
// business key and correlation keys. The query returns that process id.
type CorrelateMessage struct {
	Message     string
	BusinessKey string
	Keys        map[string]any
	Variables   map[string]any
}

func (CorrelateMessage) Type() string { return "engine.correlate.message" }

func (c CorrelateMessage) Validate() error {
	return validation.ValidateStruct(&c, validation.Field(&c.Message, validation.Required))
}

// CorrelateVariables evaluates the conditional events whose scope contains
// a changed variable.
type CorrelateVariables struct {
	ProcessID string
	Variables []model.Variable
}

func (CorrelateVariables) Type() string { return "engine.correlate.variables" }

func (c CorrelateVariables) Validate() error {
	return validation.ValidateStruct(&c, validation.Field(&c.ProcessID, validation.Required))
}
