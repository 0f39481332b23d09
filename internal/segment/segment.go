package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/nbroyles/docdb/internal/index"
	"github.com/nbroyles/docdb/internal/storage"
	log "github.com/sirupsen/logrus"
)

const (
	// Filters are sized for at least this many keys. The main segment keeps adding to
	// its filter between resets, which only raises the false positive rate
	minFilterKeys = 1024
	filterFPR     = 0.01
)

// Segment is a segment file together with its derived index, its append cursor and
// the time used to order it against other segments
type Segment struct {
	path      string
	file      *os.File
	index     *index.Index
	size      uint64
	createdAt time.Time
	filter    *bloom.BloomFilter
	codec     storage.Codec
}

// Open opens the segment file at path, creating it if it does not exist, and rebuilds
// its index by scanning it from the start
func Open(path string, createdAt time.Time) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open segment %s: %w", path, err)
	}

	seg, err := load(path, file, createdAt)
	if err != nil {
		closeFile(file)
		return nil, err
	}

	return seg, nil
}

func load(path string, file *os.File, createdAt time.Time) (*Segment, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("could not seek to start of segment %s: %w", path, err)
	}

	size, idx, err := index.Build(path, file)
	if err != nil {
		return nil, fmt.Errorf("failed rebuilding index for segment %s: %w", path, err)
	}

	return &Segment{
		path:      path,
		file:      file,
		index:     idx,
		size:      size,
		createdAt: createdAt,
		filter:    buildFilter(idx),
	}, nil
}

func (s *Segment) Path() string {
	return s.path
}

func (s *Segment) Name() string {
	return filepath.Base(s.path)
}

// Size returns the append cursor: the number of bytes of records in the file
func (s *Segment) Size() uint64 {
	return s.size
}

func (s *Segment) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Segment) Index() *index.Index {
	return s.index
}

// Empty reports whether the segment holds no records
func (s *Segment) Empty() bool {
	return s.size == 0
}

// MightContain checks the segment's bloom filter. A false result means the key is
// definitely not indexed here
func (s *Segment) MightContain(key uint64) bool {
	return s.filter.Test(keyBytes(key))
}

// Overlaps reports whether the segment's key range intersects [start, end]
func (s *Segment) Overlaps(start uint64, end uint64) bool {
	return s.index.Overlaps(start, end)
}

// Info returns a snapshot of the segment's metadata
func (s *Segment) Info() *Metadata {
	md := &Metadata{
		Name:      s.Name(),
		Path:      s.path,
		Size:      s.size,
		Keys:      s.index.Len(),
		CreatedAt: s.createdAt,
	}
	md.MinKey, _ = s.index.Min()
	md.MaxKey, _ = s.index.Max()

	return md
}

// Close closes the segment's file handle
func (s *Segment) Close() error {
	if s.file == nil {
		return nil
	}

	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("failed closing segment %s: %w", s.path, err)
	}

	return nil
}

func (s *Segment) readerAt() (io.ReaderAt, error) {
	if s.file == nil {
		return nil, fmt.Errorf("segment %s is closed", s.path)
	}

	return s.file, nil
}

func buildFilter(idx *index.Index) *bloom.BloomFilter {
	n := uint(idx.Len())
	if n < minFilterKeys {
		n = minFilterKeys
	}

	filter := bloom.NewWithEstimates(n, filterFPR)
	idx.Ascend(func(key uint64, _ uint64) bool {
		filter.Add(keyBytes(key))
		return true
	})

	return filter
}

func keyBytes(key uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], key)
	return b[:]
}

func closeFile(file *os.File) {
	if err := file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Warnf("failed closing %s: %v", file.Name(), err)
	}
}
