package segment

import (
	"errors"
	"fmt"
	"io"

	"github.com/nbroyles/docdb/internal/storage"
)

// Get returns the bytes of the latest record for key in this segment. The second
// return value is false if the key is not indexed here
func (s *Segment) Get(key uint64) ([]byte, bool, error) {
	if !s.MightContain(key) {
		return nil, false, nil
	}

	offset, ok := s.index.Get(key)
	if !ok {
		return nil, false, nil
	}

	rec, err := s.ReadAt(offset)
	if err != nil {
		return nil, false, err
	}

	if rec.Key != key {
		return nil, false, &storage.CorruptionError{
			Path:   s.path,
			Offset: int64(offset),
			Err:    fmt.Errorf("%w: index points at key %d while looking for %d", storage.ErrCorruptSegment, rec.Key, key),
		}
	}

	return rec.Value, true, nil
}

// ReadAt decodes the record starting at offset from this segment's own file
func (s *Segment) ReadAt(offset uint64) (*storage.Record, error) {
	reader, err := s.readerAt()
	if err != nil {
		return nil, err
	}

	if offset >= s.size {
		return nil, &storage.CorruptionError{
			Path:   s.path,
			Offset: int64(offset),
			Err:    fmt.Errorf("%w: offset past end of segment (size %d)", storage.ErrCorruptSegment, s.size),
		}
	}

	rec, err := s.codec.DecodeAt(reader, int64(offset))
	if err == io.EOF {
		err = fmt.Errorf("%w: record missing", storage.ErrCorruptSegment)
	}
	if errors.Is(err, storage.ErrCorruptSegment) {
		return nil, &storage.CorruptionError{Path: s.path, Offset: int64(offset), Err: err}
	} else if err != nil {
		return nil, fmt.Errorf("failed reading record at offset %d of %s: %w", offset, s.path, err)
	}

	return rec, nil
}

// AscendRange calls fn with the bytes of every indexed key within [start, end], in
// ascending key order, until fn returns false
func (s *Segment) AscendRange(start uint64, end uint64, fn func(key uint64, value []byte) bool) error {
	var readErr error
	s.index.AscendRange(start, end, func(key uint64, offset uint64) bool {
		rec, err := s.ReadAt(offset)
		if err != nil {
			readErr = err
			return false
		}

		return fn(key, rec.Value)
	})

	return readErr
}
