package model

// ActivityType is the closed set of executable node kinds.
type ActivityType string

const (
	ExternalTask                      ActivityType = "EXTERNAL_TASK"
	SendTask                          ActivityType = "SEND_TASK"
	ReceiveTask                       ActivityType = "RECEIVE_TASK"
	StartEvent                        ActivityType = "START_EVENT"
	EndEvent                          ActivityType = "END_EVENT"
	IntermediateCatchEvent            ActivityType = "INTERMEDIATE_CATCH_EVENT"
	ParallelGateway                   ActivityType = "PARALLEL_GATEWAY"
	ExclusiveGateway                  ActivityType = "EXCLUSIVE_GATEWAY"
	InclusiveGateway                  ActivityType = "INCLUSIVE_GATEWAY"
	EventBasedGateway                 ActivityType = "EVENT_BASED_GATEWAY"
	Subprocess                        ActivityType = "SUBPROCESS"
	EventSubprocess                   ActivityType = "EVENT_SUBPROCESS"
	CallActivity                      ActivityType = "CALL_ACTIVITY"
	TerminateEndEvent                 ActivityType = "TERMINATE_END_EVENT"
	ErrorEndEvent                     ActivityType = "ERROR_END_EVENT"
	ErrorStartEvent                   ActivityType = "ERROR_START_EVENT"
	ErrorBoundaryEvent                ActivityType = "ERROR_BOUNDARY_EVENT"
	EscalationEndEvent                ActivityType = "ESCALATION_END_EVENT"
	EscalationStartEvent              ActivityType = "ESCALATION_START_EVENT"
	EscalationBoundaryEvent           ActivityType = "ESCALATION_BOUNDARY_EVENT"
	MessageStartEvent                 ActivityType = "MESSAGE_START_EVENT"
	MessageIntermediateCatchEvent     ActivityType = "MESSAGE_INTERMEDIATE_CATCH_EVENT"
	MessageBoundaryEvent              ActivityType = "MESSAGE_BOUNDARY_EVENT"
	MessageEndEvent                   ActivityType = "MESSAGE_END_EVENT"
	TimerBoundaryEvent                ActivityType = "TIMER_BOUNDARY_EVENT"
	SignalBoundaryEvent               ActivityType = "SIGNAL_BOUNDARY_EVENT"
	ConditionalBoundaryEvent          ActivityType = "CONDITIONAL_BOUNDARY_EVENT"
	ConditionalIntermediateCatchEvent ActivityType = "CONDITIONAL_INTERMEDIATE_CATCH_EVENT"
)

var activityTypes = map[ActivityType]struct{}{
	ExternalTask: {}, SendTask: {}, ReceiveTask: {}, StartEvent: {}, EndEvent: {},
	IntermediateCatchEvent: {}, ParallelGateway: {}, ExclusiveGateway: {}, InclusiveGateway: {},
	EventBasedGateway: {}, Subprocess: {}, EventSubprocess: {}, CallActivity: {},
	TerminateEndEvent: {}, ErrorEndEvent: {}, ErrorStartEvent: {}, ErrorBoundaryEvent: {},
	EscalationEndEvent: {}, EscalationStartEvent: {}, EscalationBoundaryEvent: {},
	MessageStartEvent: {}, MessageIntermediateCatchEvent: {}, MessageBoundaryEvent: {},
	MessageEndEvent: {}, TimerBoundaryEvent: {}, SignalBoundaryEvent: {},
	ConditionalBoundaryEvent: {}, ConditionalIntermediateCatchEvent: {},
}

// ActivityTypes lists every known type.
func ActivityTypes() []ActivityType {
	out := make([]ActivityType, 0, len(activityTypes))
	for t := range activityTypes {
		out = append(out, t)
	}
	return out
}

func (t ActivityType) Valid() bool {
	_, ok := activityTypes[t]
	return ok
}

func (t ActivityType) String() string { return string(t) }

func (t ActivityType) IsStartEvent() bool {
	switch t {
	case StartEvent, ErrorStartEvent, EscalationStartEvent, MessageStartEvent:
		return true
	}
	return false
}

func (t ActivityType) IsBoundaryEvent() bool {
	switch t {
	case ErrorBoundaryEvent, EscalationBoundaryEvent, MessageBoundaryEvent,
		TimerBoundaryEvent, SignalBoundaryEvent, ConditionalBoundaryEvent:
		return true
	}
	return false
}

func (t ActivityType) IsSubprocess() bool {
	return t == Subprocess || t == EventSubprocess
}

func (t ActivityType) IsConditional() bool {
	return t == ConditionalBoundaryEvent || t == ConditionalIntermediateCatchEvent
}

// IsMessageCatch reports types that wait for a correlated message.
func (t ActivityType) IsMessageCatch() bool {
	switch t {
	case ReceiveTask, MessageIntermediateCatchEvent, MessageBoundaryEvent, MessageStartEvent:
		return true
	}
	return false
}

// IsExternal reports types executed by pollers.
func (t ActivityType) IsExternal() bool {
	return t == ExternalTask || t == SendTask
}

func (t ActivityType) IsGateway() bool {
	switch t {
	case ParallelGateway, ExclusiveGateway, InclusiveGateway, EventBasedGateway:
		return true
	}
	return false
}
