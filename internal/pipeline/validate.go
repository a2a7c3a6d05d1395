// Package pipeline contains the conventions shared by every image pipeline
// stage: input path validation and derived artifact naming.
package pipeline

import (
	"errors"
	"fmt"
	"os"
)

// ErrNotFound is matched by every NotFoundError through errors.Is.
var ErrNotFound = errors.New("not found")

// NotFoundError reports a missing, empty or nonexistent input path.
type NotFoundError struct {
	Path   string
	Reason string
}

func (e *NotFoundError) Error() string {
	if e.Path == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidatePath must be called by every stage before any I/O or inference.
func ValidatePath(path string) error {
	if path == "" {
		return &NotFoundError{Reason: "path cannot be an empty string"}
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &NotFoundError{Path: path, Reason: "cannot be found"}
		}
		return &NotFoundError{Path: path, Reason: err.Error()}
	}
	return nil
}
