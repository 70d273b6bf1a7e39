package bootargs

import (
	"errors"
	"fmt"
)

// ErrUnknownKey is wrapped by ParseError for unrecognised boot arguments.
var ErrUnknownKey = errors.New("unknown boot argument")

// ParseError describes a malformed boot argument.
//
// Example output:
//
//	ts_workq_redrive=always: unknown redrive policy
//
//	Suggestion: Use "cross" or "raise"
type ParseError struct {
	Key        string // Boot argument name
	Value      string // Offending value (empty if missing)
	Message    string // What went wrong
	Suggestion string // Optional hint (empty if none)
	Err        error  // Underlying error, if any
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	result := e.Key
	if e.Value != "" {
		result += "=" + e.Value
	}
	result += ": " + e.Message
	if e.Suggestion != "" {
		result += fmt.Sprintf("\n\nSuggestion: %s", e.Suggestion)
	}
	return result
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}
