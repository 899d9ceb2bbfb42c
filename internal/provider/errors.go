package provider

import (
	"errors"
	"fmt"
)

// ErrIgnoredEvent is returned for provider events that carry no status
// change, such as SES open tracking.
var ErrIgnoredEvent = errors.New("provider event carries no status update")

// ErrUnknownProvider is wrapped in a TranslationError when no translator is
// registered for a provider name.
var ErrUnknownProvider = errors.New("unknown provider")

// TranslationError means the payload could not be decoded. Re-processing the
// same bytes will fail the same way.
type TranslationError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *TranslationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s receipt: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s receipt: %s", e.Provider, e.Reason)
}

func (e *TranslationError) Unwrap() error { return e.Err }

// UnknownStatusError means the provider sent a status token that is missing
// from its mapping table.
type UnknownStatusError struct {
	Provider string
	Token    string
}

func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("%s receipt: status %q not found", e.Provider, e.Token)
}

func malformed(provider, reason string, err error) error {
	return &TranslationError{Provider: provider, Reason: reason, Err: err}
}

func missing(provider, field string) error {
	return &TranslationError{Provider: provider, Reason: field + " missing"}
}

// IsPermanent reports whether err is a translation failure that no retry can fix.
func IsPermanent(err error) bool {
	var te *TranslationError
	var ue *UnknownStatusError
	return errors.As(err, &te) || errors.As(err, &ue)
}
