package cmd

import (
	"errors"
	"fmt"
)

var (
	ErrRelayRejected = errors.New("relay rejected the request")
	ErrRelayLost     = errors.New("lost connection to relay")
	ErrNoTURN        = errors.New("cannot force relay mode without TURN server configured")

	// errLeft ends a session when the user quits the view.
	errLeft = errors.New("left the huddle")
)

type CommandError struct {
	Op      string
	Err     error
	Details string
}

func (e *CommandError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *CommandError {
	return &CommandError{Op: op, Err: err}
}

func WrapError(op string, err error, details string) *CommandError {
	return &CommandError{Op: op, Err: err, Details: details}
}
