// Package types defines error types for the permission overlay.
package types

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrCorruptSidecar = errors.New("corrupt permission metadata")
)

// SidecarError represents a failure to read or write the sidecar
// metadata file, with context.
type SidecarError struct {
	Path string
	Op   string
	Err  error
}

func (e *SidecarError) Error() string {
	return fmt.Sprintf("permission sidecar %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *SidecarError) Unwrap() error {
	return e.Err
}
