package catalog

import (
	"errors"
	"fmt"
)

var ErrMalformedObject = errors.New("malformed catalog object")

type MalformedObjectError struct {
	ID     string
	Type   ObjectType
	Reason string
	Err    error
}

func (e *MalformedObjectError) Error() string {
	switch {
	case e.ID != "" && e.Type != "":
		return fmt.Sprintf("malformed %s object %s: %s", e.Type, e.ID, e.Reason)
	case e.ID != "":
		return fmt.Sprintf("malformed object %s: %s", e.ID, e.Reason)
	default:
		return "malformed object: " + e.Reason
	}
}

func (e *MalformedObjectError) Is(target error) bool {
	return target == ErrMalformedObject
}

func (e *MalformedObjectError) Unwrap() error {
	return e.Err
}
