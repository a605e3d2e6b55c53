package command

import (
	"fmt"
)

// MessageError names the dispatch stage that failed, such as a missing
// handler or an expired context, and keeps the cause for errors.Is.
type MessageError struct {
	Type    string
	Message string
	Err     error
}

func (e *MessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *MessageError) Unwrap() error {
	return e.Err
}

// WrapError tags err with the stage errType and a short message.
func WrapError(errType, msg string, err error) *MessageError {
	return &MessageError{
		Type:    errType,
		Message: msg,
		Err:     err,
	}
}
