package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady matches any NotReadyError via errors.Is.
	ErrNotReady = errors.New("model not ready")
	// ErrInvalidTransition is returned by Retry outside the Failed state.
	ErrInvalidTransition = errors.New("invalid model state transition")
)

// ResourceLoadError reports a failed artifact fetch or parse. The loader
// moves to Failed; Retry recovers.
type ResourceLoadError struct {
	Artifact string
	Reason   string
	Err      error
}

func (e *ResourceLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load artifact %q: %s: %v", e.Artifact, e.Reason, e.Err)
	}
	return fmt.Sprintf("load artifact %q: %s", e.Artifact, e.Reason)
}

func (e *ResourceLoadError) Unwrap() error { return e.Err }

// NotReadyError is returned by Predict when the model state is not Ready.
type NotReadyError struct {
	Artifact string
	State    State
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("artifact %q is %s", e.Artifact, e.State)
}

func (e *NotReadyError) Is(target error) bool { return target == ErrNotReady }

// ShapeMismatchError reports tensor dimensions or output cardinality that
// disagree with the configured constants. Values are never truncated or
// padded to fit.
type ShapeMismatchError struct {
	What string
	Want string
	Got  string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch: %s: want %s, got %s", e.What, e.Want, e.Got)
}

// Reason returns a short human-readable explanation for err suitable for
// display, and the kind of failure.
func Reason(err error) (kind, reason string) {
	var shape *ShapeMismatchError
	var notReady *NotReadyError
	var load *ResourceLoadError
	switch {
	case err == nil:
		return "", ""
	case errors.As(err, &shape):
		return "shape_mismatch", shape.Error()
	case errors.As(err, &notReady):
		return "not_ready", notReady.Error()
	case errors.As(err, &load):
		return "resource_load", load.Reason
	default:
		return "internal", err.Error()
	}
}
