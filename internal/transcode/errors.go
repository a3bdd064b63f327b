package transcode

import (
	"errors"
	"fmt"
)

var (
	ErrNoDecoder     = errors.New("transcode: no decoder for transfer syntax")
	ErrBitDepth      = errors.New("transcode: unsupported bit depth")
	ErrCorruptFrame  = errors.New("transcode: corrupt frame")
	ErrFrameMismatch = errors.New("transcode: frame count mismatch")
	// ErrOutputExists means a file the job did not write sits at the converted path.
	ErrOutputExists = errors.New("transcode: converted path already exists")
	// ErrOutputCollision means two inputs in one batch map to one converted path.
	ErrOutputCollision = errors.New("transcode: converted path collision")
)

// TranscodeError is a decode or write failure. The original file is used instead.
type TranscodeError struct {
	Path   string
	Syntax string
	Op     string
	Err    error
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("transcode %s (%s) %s: %v", e.Path, e.Syntax, e.Op, e.Err)
}

func (e *TranscodeError) Unwrap() error {
	return e.Err
}

// ValidationError means a written replacement did not match its source.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate %s: %s", e.Path, e.Reason)
}
