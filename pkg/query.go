package pkg

import (
	"fmt"

	"github.com/nbroyles/docdb/internal/document"
	"github.com/nbroyles/docdb/internal/storage"
)

// rangeScan collects the latest document of every key within [start, end]. Structures
// are visited in recency order and a key seen in a newer structure is skipped in
// older ones
type rangeScan struct {
	db    *DB
	start uint64
	end   uint64
	seen  map[uint64]struct{}
	docs  []document.Document
	err   error
}

// FindByIDRange returns the latest document of every key within [start, end]. The
// result is made of one ascending run per structure holding matching keys: the
// memtable, then the main segment, then the sealed segments from newest to oldest.
// Keys are unique across the result but the result as a whole is not sorted. An
// empty range, including start > end, returns no documents
func (d *DB) FindByIDRange(start uint64, end uint64) ([]document.Document, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	scan := &rangeScan{db: d, start: start, end: end, seen: map[uint64]struct{}{}}
	if start > end {
		return scan.docs, nil
	}

	if min, max, ok := d.memTable.KeyRange(); ok && min <= end && start <= max {
		d.memTable.Range(start, end, func(rec *storage.Record) bool {
			return scan.add(rec.Key, rec.Value)
		})
		if scan.err != nil {
			return nil, scan.err
		}
	}

	if d.main.Overlaps(start, end) {
		if err := d.main.AscendRange(start, end, scan.add); err != nil {
			countCorruption(d.metrics, err)
			return nil, fmt.Errorf("failed scanning main segment: %w", err)
		} else if scan.err != nil {
			return nil, scan.err
		}
	}

	for i := len(d.sealed) - 1; i >= 0; i-- {
		seg := d.sealed[i]
		if !seg.Overlaps(start, end) {
			continue
		}

		if err := seg.AscendRange(start, end, scan.add); err != nil {
			countCorruption(d.metrics, err)
			return nil, fmt.Errorf("failed scanning segment %s: %w", seg.Name(), err)
		} else if scan.err != nil {
			return nil, scan.err
		}
	}

	return scan.docs, nil
}

func (s *rangeScan) add(key uint64, value []byte) bool {
	if _, ok := s.seen[key]; ok {
		return true
	}
	s.seen[key] = struct{}{}

	doc, err := s.db.decode(key, value)
	if err != nil {
		s.err = err
		return false
	}

	s.docs = append(s.docs, doc)

	return true
}
