package pkg

import "errors"

var (
	// ErrValueTooLarge is returned by Insert under RejectOversized
	ErrValueTooLarge = errors.New("value larger than memtable max size")
	// ErrClosed is returned by every operation on a closed DB
	ErrClosed = errors.New("database is closed")
	// ErrUnknownSegment is returned by Compact when no segment has the given name
	ErrUnknownSegment = errors.New("unknown segment")
	// ErrInconsistent is returned for writes after a failed flush or rotation could not
	// be rolled back. The DB must be reopened so that recovery rebuilds its state from
	// the files
	ErrInconsistent = errors.New("database state is inconsistent with its files")
	// ErrLocked is returned by Open when another handle holds the directory
	ErrLocked = errors.New("database is locked")
)
