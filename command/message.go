package command

import (
	"reflect"

	"github.com/goliatone/go-errors"
)

// Message is the interface command and queries messages must implement
type Message interface {
	Type() string
	Validate() error
}

// ErrValidation marks validation failures so wrappers can keep the intent.
var ErrValidation = errors.New("validation error", errors.CategoryValidation).
	WithTextCode("VALIDATION_FAILED")

func IsNilMessage(msg any) bool {
	if msg == nil {
		return true
	}

	v := reflect.ValueOf(msg)
	if v.Kind() != reflect.Ptr {
		return false
	}

	return v.IsNil()
}

// ValidateMessage rejects nil pointers and runs Validate when msg is a Message.
func ValidateMessage[T any](msg T) error {
	if IsNilMessage(msg) {
		return errors.New("nil message pointer", errors.CategoryValidation).
			WithTextCode("INVALID_MESSAGE")
	}

	if m, ok := any(msg).(Message); ok {
		if err := m.Validate(); err != nil {
			return errors.FromOzzoValidation(err, "message validation failed").
				WithTextCode("VALIDATION_FAILED").
				WithMetadata(map[string]any{"message_type": m.Type()})
		}
	}

	return nil
}
