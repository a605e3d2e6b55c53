package queue

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// PollRequest selects tasks to claim.
type PollRequest struct {
	Topic                string
	ProcessDefinitionKey string
	Limit                int
}

func (PollRequest) Type() string { return "queue.poll" }

func (r PollRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Topic, validation.Required),
		validation.Field(&r.ProcessDefinitionKey, validation.Required),
		validation.Field(&r.Limit, validation.Required, validation.Min(1)),
	)
}

// DefinitionSelector names one definition by id, or every version of a
// key.
type DefinitionSelector struct {
	DefinitionID  string
	DefinitionKey string
}

func ByDefinitionID(id string) DefinitionSelector { return DefinitionSelector{DefinitionID: id} }

func ByDefinitionKey(key string) DefinitionSelector { return DefinitionSelector{DefinitionKey: key} }

func (DefinitionSelector) Type() string { return "queue.definition" }

func (s DefinitionSelector) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.DefinitionID, validation.Required.When(s.DefinitionKey == "")),
		validation.Field(&s.DefinitionKey, validation.Required.When(s.DefinitionID == "")),
	)
}

func (s DefinitionSelector) String() string {
	if s.DefinitionID != "" {
		return "definition " + s.DefinitionID
	}
	return "definition key " + s.DefinitionKey
}
