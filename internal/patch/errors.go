package patch

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrForbidden        = errors.New("forbidden")
	ErrMergeUnsupported = errors.New("merge unsupported")
	ErrInvalid          = errors.New("invalid argument")
	// ErrCorrupt means the stored tree violates its own shape: a cycle, a
	// missing parent, or an ancestor chain longer than Options.MaxDepth.
	ErrCorrupt = errors.New("corrupt tree")
)

// OpError records the operation, patch and path that failed.
type OpError struct {
	Op   string
	ID   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e == nil {
		return ""
	}
	if e.Path != "" {
		return fmt.Sprintf("%s %s:%s: %v", e.Op, e.ID, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
