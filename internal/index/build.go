package index

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/nbroyles/docdb/internal/storage"
	log "github.com/sirupsen/logrus"
)

// Build rebuilds an index by scanning every record in reader from byte 0. Later
// records for a key replace earlier ones. Returns the offset just past the last
// record, which is the authoritative size of the segment. name is only used to
// describe where a corruption was found
func Build(name string, reader io.Reader) (uint64, *Index, error) {
	codec := storage.Codec{}
	idx := New()
	buffered := bufio.NewReader(reader)

	offset := uint64(0)
	records := 0
	for {
		key, valueLen, err := codec.DecodeHeader(buffered)
		if err == io.EOF {
			break
		} else if err != nil {
			return 0, nil, scanError(name, offset, err)
		}

		if err = codec.CheckValueLen(valueLen); err != nil {
			return 0, nil, scanError(name, offset, err)
		}

		if err = codec.SkipValue(buffered, valueLen); err != nil {
			return 0, nil, scanError(name, offset, err)
		}

		idx.Put(key, offset)
		offset += storage.HeaderLen + valueLen
		records++
	}

	log.Debugf("rebuilt index for %s. records=%d, keys=%d, size=%d", name, records, idx.Len(), offset)

	return offset, idx, nil
}

func scanError(name string, offset uint64, err error) error {
	if errors.Is(err, storage.ErrCorruptSegment) {
		return &storage.CorruptionError{Path: name, Offset: int64(offset), Err: err}
	}

	return fmt.Errorf("failed scanning %s at offset %d: %w", name, offset, err)
}
