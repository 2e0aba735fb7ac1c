package models

import "fmt"

// ModelError reports a registry integrity violation (duplicate id, missing
// reference, forbidden delete). It is surfaced to the API and never crashes
// a loop.
type ModelError struct {
	message string
}

func (e *ModelError) Error() string {
	return e.message
}

func Errf(format string, args ...interface{}) error {
	return &ModelError{message: fmt.Sprintf(format, args...)}
}
