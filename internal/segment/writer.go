package segment

import (
	"errors"
	"fmt"
	"os"

	"github.com/nbroyles/docdb/internal/index"
	"github.com/nbroyles/docdb/internal/storage"
	"github.com/nbroyles/docdb/internal/util"
	log "github.com/sirupsen/logrus"
)

// ErrTornWrite means a failed append could not be rolled back, so the file may hold
// bytes past Size that the index knows nothing about
var ErrTornWrite = errors.New("segment file left with partially written records")

type pending struct {
	key    uint64
	offset uint64
}

// Append writes every record from iter to the end of the segment. The records are
// encoded into one buffer and written and synced with a single write at the current
// size. The index and size are only updated once the write has succeeded, so a
// failure never leaves the index pointing at bytes that are not on disk. Returns the
// number of records and bytes written
func (s *Segment) Append(iter storage.InternalIterator) (int, uint64, error) {
	if s.file == nil {
		return 0, 0, fmt.Errorf("segment %s is closed", s.path)
	}

	var buf []byte
	var updates []pending

	offset := s.size
	for iter.HasNext() {
		rec := iter.Next()

		buf = s.codec.AppendEncoded(buf, rec)
		updates = append(updates, pending{key: rec.Key, offset: offset})
		offset += rec.EncodedLen()
	}

	if len(updates) == 0 {
		return 0, 0, nil
	}

	if err := s.write(buf); err != nil {
		return 0, 0, err
	}

	for _, u := range updates {
		s.index.Put(u.key, u.offset)
		s.filter.Add(keyBytes(u.key))
	}
	s.size = offset

	log.Debugf("appended %d records (%d bytes) to %s. size=%d", len(updates), len(buf), s.path, s.size)

	return len(updates), uint64(len(buf)), nil
}

func (s *Segment) write(buf []byte) error {
	n, err := s.file.WriteAt(buf, int64(s.size))
	if err == nil && n != len(buf) {
		err = fmt.Errorf("failed to write all bytes to disk. n=%d, expected=%d", n, len(buf))
	}
	if err == nil {
		if err = s.file.Sync(); err != nil {
			err = fmt.Errorf("failed syncing data to disk: %w", err)
		}
	}
	if err == nil {
		return nil
	}

	if truncErr := s.file.Truncate(int64(s.size)); truncErr != nil {
		log.Errorf("could not roll back failed append to %s: %v", s.path, truncErr)
		return fmt.Errorf("%w: %s: %v (rollback: %v)", ErrTornWrite, s.path, err, truncErr)
	}

	return fmt.Errorf("failed appending to segment %s: %w", s.path, err)
}

// Reset empties the segment: truncates its file and clears its index
func (s *Segment) Reset() error {
	if s.file == nil {
		return fmt.Errorf("segment %s is closed", s.path)
	}

	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("failed truncating segment %s: %w", s.path, err)
	}

	s.index.Clear()
	s.filter = buildFilter(s.index)
	s.size = 0

	return nil
}

// Replace swaps the segment's file for the fully written file at src and adopts idx
// and size, which must describe src. On failure the segment keeps its old file
func (s *Segment) Replace(src string, idx *index.Index, size uint64) error {
	if err := s.Close(); err != nil {
		return err
	}

	replaceErr := util.ReplaceFile(src, s.path)

	file, err := os.OpenFile(s.path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("could not reopen segment %s: %w", s.path, err)
	}
	s.file = file

	if replaceErr != nil {
		return replaceErr
	}

	s.index = idx
	s.size = size
	s.filter = buildFilter(idx)

	return nil
}
