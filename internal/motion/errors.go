package motion

import "errors"

// ModelUnavailableError reports that an AI stage could not load its model.
// The confirmation policy decides whether the frame is confirmed anyway.
type ModelUnavailableError struct {
	Model string
	Path  string
	Err   error
}

func (e *ModelUnavailableError) Error() string {
	msg := "motion: " + e.Model + " model unavailable"
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ModelUnavailableError) Unwrap() error { return e.Err }

// IsModelUnavailable reports whether err wraps a ModelUnavailableError.
func IsModelUnavailable(err error) bool {
	var me *ModelUnavailableError
	return errors.As(err, &me)
}
