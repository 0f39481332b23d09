package storage

import (
	"errors"
	"fmt"
)

// ErrCorruptSegment indicates that a segment file does not follow the record layout
// and can not be scanned any further
var ErrCorruptSegment = errors.New("corrupt segment")

// CorruptionError carries the location of a format violation found while scanning
// a segment file
type CorruptionError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *CorruptionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("corrupt segment at offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("corrupt segment %s at offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match any CorruptionError against ErrCorruptSegment even
// when the wrapped cause is a plain I/O error
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptSegment
}
