package compaction

import (
	"bufio"
	"fmt"
	"os"

	"github.com/nbroyles/docdb/internal/index"
	"github.com/nbroyles/docdb/internal/segment"
	"github.com/nbroyles/docdb/internal/storage"
	"github.com/nbroyles/docdb/internal/util"
	log "github.com/sirupsen/logrus"
)

// Compactor performs size-tiered compaction: it rewrites a single segment so that its
// file only holds the records its index still points at. Superseded writes of the
// same key are dropped. The segment's bytes are only ever read from its own file.
type Compactor struct {
	codec *storage.Codec
}

// Result describes one compaction
type Result struct {
	Segment    string
	Records    int
	SizeBefore uint64
	SizeAfter  uint64
}

// Reclaimed returns the number of bytes the compaction freed
func (r *Result) Reclaimed() uint64 {
	return r.SizeBefore - r.SizeAfter
}

func New() *Compactor {
	return &Compactor{codec: &storage.Codec{}}
}

// Compact rewrites seg in place. Live records are copied in key order into a scratch
// file next to the segment, which then atomically replaces the segment's file. On
// failure the segment is left untouched and the scratch file is removed
func (c *Compactor) Compact(seg *segment.Segment) (*Result, error) {
	if err := segment.RemoveStaleTemp(seg.Path()); err != nil {
		return nil, err
	}

	tmpPath := segment.TempName(seg.Path())
	out, err := util.CreateFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed attempt to create compaction file: %w", err)
	}

	newIdx, size, err := c.rewrite(seg, out)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed closing compaction file %s: %w", tmpPath, closeErr)
	}
	if err != nil {
		discard(tmpPath)
		return nil, fmt.Errorf("failed compacting segment %s: %w", seg.Name(), err)
	}

	result := &Result{
		Segment:    seg.Name(),
		Records:    newIdx.Len(),
		SizeBefore: seg.Size(),
		SizeAfter:  size,
	}

	if err = seg.Replace(tmpPath, newIdx, size); err != nil {
		discard(tmpPath)
		return nil, fmt.Errorf("failed installing compacted segment %s: %w", seg.Name(), err)
	}

	log.Infof("compacted segment %s. records=%d, before=%d, after=%d",
		result.Segment, result.Records, result.SizeBefore, result.SizeAfter)

	return result, nil
}

func (c *Compactor) rewrite(seg *segment.Segment, out *os.File) (*index.Index, uint64, error) {
	writer := bufio.NewWriter(out)
	newIdx := index.New()
	written := uint64(0)

	var buf []byte
	var err error
	seg.Index().Ascend(func(key uint64, offset uint64) bool {
		var rec *storage.Record
		if rec, err = seg.ReadAt(offset); err != nil {
			return false
		}
		if rec.Key != key {
			err = &storage.CorruptionError{
				Path:   seg.Path(),
				Offset: int64(offset),
				Err:    fmt.Errorf("%w: index points at key %d while compacting %d", storage.ErrCorruptSegment, rec.Key, key),
			}
			return false
		}

		buf = c.codec.AppendEncoded(buf[:0], rec)
		if _, err = writer.Write(buf); err != nil {
			err = fmt.Errorf("failure writing next entry into compaction file: %w", err)
			return false
		}

		log.Debugf("compaction moved key=%d from offset=%d to offset=%d", key, offset, written)

		newIdx.Put(key, written)
		written += uint64(len(buf))
		return true
	})
	if err != nil {
		return nil, 0, err
	}

	if err = writer.Flush(); err != nil {
		return nil, 0, fmt.Errorf("failed flushing compaction file: %w", err)
	}

	if err = out.Sync(); err != nil {
		return nil, 0, fmt.Errorf("failed syncing compaction file: %w", err)
	}

	return newIdx, written, nil
}

func discard(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed removing compaction file %s: %v", path, err)
	}
}
