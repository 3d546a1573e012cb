package logging

import (
	"errors"
	"fmt"
)

// OperationError annotates an error with the operation and request it
// happened in.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err; a nil err stays nil.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// Operation returns the innermost operation recorded on err's chain, or "".
func Operation(err error) string {
	op := ""
	for err != nil {
		var oe *OperationError
		if !errors.As(err, &oe) {
			break
		}
		op = oe.Operation
		err = oe.Err
	}
	return op
}
