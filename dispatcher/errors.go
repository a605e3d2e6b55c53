package dispatcher

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeConfiguration = "CONFIGURATION_ERROR"
	ErrCodeClosed        = "DISPATCHER_CLOSED"
)

var (
	ErrHandlerNotFound = apperrors.New("no handler registered for message type", apperrors.CategoryInternal).
				WithTextCode(ErrCodeConfiguration)
	ErrDuplicateHandler = apperrors.New("handler already registered for message type", apperrors.CategoryInternal).
				WithTextCode(ErrCodeConfiguration)
	ErrHandlerMismatch = apperrors.New("registered handler does not match message signature", apperrors.CategoryInternal).
				WithTextCode(ErrCodeConfiguration)
	ErrClosed = apperrors.New("dispatcher closed", apperrors.CategoryOperation).
			WithTextCode(ErrCodeClosed)
)

func configurationError(base *apperrors.Error, msgType string) *apperrors.Error {
	err := base.Clone()
	if msgType = strings.TrimSpace(msgType); msgType != "" {
		err.Message = base.Message + ": " + msgType
	}
	return err.WithMetadata(map[string]any{"message_type": msgType})
}

// IsConfigurationError reports whether err was caused by a missing,
// duplicate or mismatched handler registration.
func IsConfigurationError(err error) bool {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode == ErrCodeConfiguration
	}
	return false
}
