package catalogstore

import (
	"errors"
	"fmt"
)

var (
	ErrStorageWrite   = errors.New("catalog storage write failed")
	ErrTxDone         = errors.New("catalog transaction already finished")
	ErrInvalidObject  = errors.New("invalid catalog object")
	ErrInvalidDSN     = errors.New("invalid catalog store dsn")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("catalog store is closed")
)

// WriteError wraps any failure that leaves a write or a checkpoint unpersisted.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("catalog store %s: %v", e.Op, e.Err)
}

func (e *WriteError) Is(target error) bool {
	return target == ErrStorageWrite
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

func writeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *WriteError
	if errors.As(err, &existing) {
		return err
	}
	return &WriteError{Op: op, Err: err}
}
