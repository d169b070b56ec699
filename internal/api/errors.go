package api

import (
	"context"
	"errors"
	"fmt"
)

// Category classifies a run failure. Every category maps to its own exit code.
type Category int

const (
	// Unknown is any error that carries no category.
	Unknown Category = iota
	// InputNotFound means the input path is missing or not a regular file.
	InputNotFound
	// InvalidInput means a path was found but is not acceptable.
	InvalidInput
	// OutputDirUnwritable means the output directory cannot be created or written.
	OutputDirUnwritable
	// ModelAcquisitionFailed means the weights could not be downloaded or verified.
	ModelAcquisitionFailed
	// RuntimeUnavailable means the container runtime or image is not usable.
	RuntimeUnavailable
	// LaunchFailed means the isolated environment could not be created or started.
	LaunchFailed
	// InferenceFailed means the inference process exited with a non-zero code.
	InferenceFailed
	// OutputNotProduced means the process finished but no valid mask was written.
	OutputNotProduced
	// Config means the configuration is invalid.
	Config
	// Canceled means the run was interrupted.
	Canceled
)

func (c Category) String() string {
	switch c {
	case InputNotFound:
		return "input-not-found"
	case InvalidInput:
		return "invalid-input"
	case OutputDirUnwritable:
		return "output-dir-unwritable"
	case ModelAcquisitionFailed:
		return "model-acquisition-failed"
	case RuntimeUnavailable:
		return "runtime-unavailable"
	case LaunchFailed:
		return "launch-failed"
	case InferenceFailed:
		return "inference-failed"
	case OutputNotProduced:
		return "output-not-produced"
	case Config:
		return "config"
	case Canceled:
		return "canceled"
	default:
		return "error"
	}
}

// ExitCode returns the process exit code for the category.
func (c Category) ExitCode() int {
	switch c {
	case InputNotFound:
		return 2
	case InvalidInput:
		return 3
	case OutputDirUnwritable:
		return 4
	case ModelAcquisitionFailed:
		return 5
	case RuntimeUnavailable:
		return 6
	case LaunchFailed:
		return 7
	case InferenceFailed:
		return 8
	case OutputNotProduced:
		return 9
	case Config:
		return 10
	case Canceled:
		return 130
	default:
		return 1
	}
}

// Error is a categorized run failure.
type Error struct {
	Category Category

	// Path is the offending path, if the failure is about one.
	Path string

	Err error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a category. A nil err yields nil.
func E(cat Category, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: cat, Path: path, Err: err}
}

// Errorf builds a categorized error from a format string.
func Errorf(cat Category, path string, format string, args ...interface{}) error {
	return &Error{Category: cat, Path: path, Err: fmt.Errorf(format, args...)}
}

// CategoryOf returns the category of the outermost categorized error in the
// chain. Context cancellation is reported as Canceled even when uncategorized.
func CategoryOf(err error) Category {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	return Unknown
}

// ExitCode maps an error returned by a run to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return CategoryOf(err).ExitCode()
}
