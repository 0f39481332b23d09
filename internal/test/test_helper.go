package test

import (
	"fmt"
	"io"
	"os"
	"sort"
	"testing"

	"github.com/nbroyles/docdb/internal/storage"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// WriteSegmentFile writes records to a new file at path in the given order
func WriteSegmentFile(t *testing.T, path string, records ...*storage.Record) {
	codec := storage.Codec{}

	var buf []byte
	for _, rec := range records {
		buf = codec.AppendEncoded(buf, rec)
	}

	require.NoError(t, os.WriteFile(path, buf, 0644))
}

// ReadSegmentFile decodes every record in the file at path, in file order
func ReadSegmentFile(t *testing.T, path string) []*storage.Record {
	reader, err := os.Open(path)
	require.NoError(t, err)
	defer reader.Close()

	codec := storage.Codec{}
	var records []*storage.Record
	for {
		rec, err := codec.DecodeFromReader(reader)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		records = append(records, rec)
	}

	return records
}

// AssertSegmentFile checks that the file at path holds exactly entries, in file order
func AssertSegmentFile(t *testing.T, path string, entries ...*storage.Record) {
	actual := ReadSegmentFile(t, path)

	assert.Equal(t, len(entries), len(actual))
	for i := 0; i < len(entries) && i < len(actual); i++ {
		assert.Equal(t, entries[i].Key, actual[i].Key)
		assert.Equal(t, string(entries[i].Value), string(actual[i].Value))
	}
}

func FileExists(t *testing.T, path string) bool {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false
	} else if err == nil {
		return true
	}

	assert.FailNow(t, fmt.Sprintf("failed attempting to check if %s exists", path))

	return false
}

func FileSize(t *testing.T, path string) int64 {
	info, err := os.Stat(path)
	require.NoError(t, err)

	return info.Size()
}

// StaticIterator iterates over a fixed set of entries in ascending key order
type StaticIterator struct {
	entries map[uint64]string
	keys    []uint64
	pointer int
}

func NewStaticIterator(entries map[uint64]string) storage.InternalIterator {
	var keys []uint64
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	return &StaticIterator{entries: entries, keys: keys, pointer: 0}
}

func (s *StaticIterator) HasNext() bool {
	return s.pointer < len(s.keys)
}

func (s *StaticIterator) Next() *storage.Record {
	if !s.HasNext() {
		log.Panic("iterator has no next element")
	}

	key := s.keys[s.pointer]
	s.pointer += 1

	return storage.NewRecord(key, []byte(s.entries[key]))
}

var _ storage.InternalIterator = &StaticIterator{}
