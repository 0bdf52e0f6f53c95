package atomicfile

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPath is returned when a write or read is given an empty path.
	ErrEmptyPath = errors.New("path is empty")

	// ErrUnknownEncoding is returned for an unsupported Encoding option.
	ErrUnknownEncoding = errors.New("unknown encoding")

	// ErrDirSync indicates the parent directory could not be synced after
	// the rename. The new file is in place but its directory entry may not
	// survive a power loss.
	ErrDirSync = errors.New("dir sync")
)

// OpError records which step of a write or read failed.
//
// The underlying error is available through errors.Is / errors.As, so
// callers can still match on syscall errnos.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("atomicfile: %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op, path string, err error) error {
	if err == nil {
		return nil
	}

	return &OpError{Op: op, Path: path, Err: err}
}
