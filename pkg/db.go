package pkg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nbroyles/docdb/internal/compaction"
	"github.com/nbroyles/docdb/internal/document"
	"github.com/nbroyles/docdb/internal/memtable"
	"github.com/nbroyles/docdb/internal/metrics"
	"github.com/nbroyles/docdb/internal/segment"
	"github.com/nbroyles/docdb/internal/storage"
	log "github.com/sirupsen/logrus"
)

const (
	mainSegmentName = "main_segment.db"
	segmentsDir     = "segments"
)

// DB is an embedded document store keyed by uint64. Writes are buffered in a memtable,
// flushed in batches to the main segment and, once the main segment grows past
// MaxSegmentSize, sealed into an immutable segment. Every segment file is the source
// of truth for its index, which is rebuilt on Open.
//
// A DB is safe for use by multiple goroutines but holds an exclusive lock on its
// directory, so only one DB per directory can be open at a time
type DB struct {
	mu sync.Mutex

	cfg         Config
	maxValueLen uint64
	memTable    *memtable.MemTable
	main        *segment.Segment
	sealed      []*segment.Segment // oldest first
	compactor   *compaction.Compactor
	metrics     *metrics.Metrics
	log         *log.Entry

	closed bool
	// set when a failed write could not be rolled back
	broken error
}

// SegmentInfo describes one segment as returned by DB.Segments
type SegmentInfo struct {
	// Name identifies the segment in calls to DB.Compact
	Name      string
	Size      uint64
	Keys      int
	MinKey    uint64
	MaxKey    uint64
	CreatedAt time.Time
	Main      bool
}

// CompactionResult describes one compacted segment
type CompactionResult struct {
	Segment    string
	Records    int
	SizeBefore uint64
	SizeAfter  uint64
}

// Open opens the database in cfg.Dir, creating the directory if it does not exist.
// The main segment and every sealed segment are recovered by scanning their files. A
// segment whose records are cut off fails Open with an error matching
// storage.ErrCorruptSegment
func Open(cfg Config) (*DB, error) {
	cfg = cfg.withDefaults()
	if cfg.Dir == "" {
		return nil, fmt.Errorf("no database directory configured")
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create data dir %s: %w", cfg.Dir, err)
	}

	if err := lock(cfg.Dir); err != nil {
		return nil, fmt.Errorf("could not lock database: %w", err)
	}

	db, err := recoverDB(cfg)
	if err != nil {
		if unlockErr := unlock(cfg.Dir); unlockErr != nil {
			log.Warnf("%v", unlockErr)
		}
		return nil, err
	}

	return db, nil
}

func recoverDB(cfg Config) (*DB, error) {
	logger := cfg.Logger.WithField("dir", cfg.Dir)

	m, err := metrics.New(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed registering metrics: %w", err)
	}

	mainPath := filepath.Join(cfg.Dir, mainSegmentName)
	if err := segment.RemoveStaleTemp(mainPath); err != nil {
		m.Unregister()
		return nil, err
	}

	main, err := segment.Open(mainPath, time.Now())
	if err != nil {
		m.Unregister()
		return nil, fmt.Errorf("failed recovering main segment: %w", err)
	}

	sealed, err := segment.OpenDir(filepath.Join(cfg.Dir, segmentsDir))
	if err != nil {
		m.Unregister()
		closeSegment(logger, main)
		return nil, fmt.Errorf("failed recovering sealed segments: %w", err)
	}

	m.SealedSegments.Set(float64(len(sealed)))

	logger.Infof("opened database. main segment size=%d keys=%d, sealed segments=%d",
		main.Size(), main.Index().Len(), len(sealed))

	return &DB{
		cfg:         cfg,
		maxValueLen: storage.MaxValueLen,
		memTable:    memtable.New(),
		main:        main,
		sealed:      sealed,
		compactor:   compaction.New(),
		metrics:     m,
		log:         logger,
	}, nil
}

// Insert stores value under key. The value is kept as opaque bytes and only decoded
// on read. If adding value would take the memtable past MemTableMaxSize the memtable
// is flushed first. Values longer than storage.MaxValueLen are always rejected with
// ErrValueTooLarge
func (d *DB) Insert(key uint64, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writable(); err != nil {
		return err
	}

	// recovery and reads refuse records past this length, so they are never written
	if uint64(len(value)) > d.maxValueLen {
		return fmt.Errorf("%w: key %d has %d bytes, max %d", ErrValueTooLarge, key, len(value), d.maxValueLen)
	}

	if d.cfg.OversizedValues == RejectOversized && uint64(len(value)) > d.cfg.MemTableMaxSize {
		return fmt.Errorf("%w: key %d has %d bytes, max %d", ErrValueTooLarge, key, len(value), d.cfg.MemTableMaxSize)
	}

	if d.memTable.Size()+uint64(len(value)) > d.cfg.MemTableMaxSize {
		if err := d.flush(); err != nil {
			return fmt.Errorf("failed flushing memtable before insert of key %d: %w", key, err)
		}
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	d.memTable.Put(key, stored)
	d.metrics.MemTableBytes.Set(float64(d.memTable.Size()))

	return nil
}

// InsertDocument encodes doc with the configured Encoding and inserts it under key
func (d *DB) InsertDocument(key uint64, doc document.Document) error {
	value, err := d.cfg.Encoding.Encode(doc)
	if err != nil {
		return fmt.Errorf("failed encoding document for key %d: %w", key, err)
	}

	return d.Insert(key, value)
}

// Flush writes the memtable to the main segment, sealing the main segment first if
// the flush would take it past MaxSegmentSize
func (d *DB) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writable(); err != nil {
		return err
	}

	return d.flush()
}

// Rotate seals the main segment into a new immutable segment and empties it. The
// memtable is left alone. Does nothing when the main segment is empty
func (d *DB) Rotate() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writable(); err != nil {
		return err
	}

	return d.rotate()
}

func (d *DB) flush() error {
	if d.memTable.Empty() {
		return nil
	}

	if !d.main.Empty() && d.main.Size()+d.memTable.Size() > d.cfg.MaxSegmentSize {
		if err := d.rotate(); err != nil {
			return err
		}
	}

	n, written, err := d.main.Append(d.memTable.InternalIterator())
	if err != nil {
		return d.flushFailed(err)
	}

	d.memTable.Clear()

	d.metrics.Flushes.Inc()
	d.metrics.BytesFlushed.Add(float64(written))
	d.metrics.MemTableBytes.Set(0)

	d.log.Debugf("flushed %d records (%d bytes) to main segment. size=%d", n, written, d.main.Size())

	return nil
}

// flushFailed records a failed append. The memtable is kept for a retry unless the
// write could not be rolled back, in which case the DB stops accepting writes
func (d *DB) flushFailed(err error) error {
	d.metrics.FlushFailures.Inc()
	if errors.Is(err, segment.ErrTornWrite) {
		d.broken = err
		d.log.Errorf("refusing further writes until reopened: %v", err)
	}

	return fmt.Errorf("failed flushing memtable: %w", err)
}

func (d *DB) rotate() error {
	if d.main.Empty() {
		return nil
	}

	sealed, err := d.main.Seal(filepath.Join(d.cfg.Dir, segmentsDir), d.nextSealTime())
	if err != nil {
		d.metrics.FlushFailures.Inc()
		return fmt.Errorf("failed sealing main segment: %w", err)
	}

	// The sealed copy holds everything main does, so it is kept even if resetting
	// main fails
	d.sealed = append(d.sealed, sealed)
	d.metrics.SealedSegments.Set(float64(len(d.sealed)))

	if err := d.main.Reset(); err != nil {
		d.metrics.FlushFailures.Inc()
		return fmt.Errorf("failed resetting main segment after sealing: %w", err)
	}

	d.metrics.Rotations.Inc()
	d.log.Infof("sealed main segment into %s. size=%d keys=%d, sealed segments=%d",
		sealed.Name(), sealed.Size(), sealed.Index().Len(), len(d.sealed))

	return nil
}

// nextSealTime returns a creation time strictly after the newest sealed segment's so
// recency order holds even if the clock stalls or goes backwards
func (d *DB) nextSealTime() time.Time {
	now := time.Now()
	if len(d.sealed) == 0 {
		return now
	}

	if newest := d.sealed[len(d.sealed)-1].CreatedAt(); !now.After(newest) {
		return newest.Add(time.Nanosecond)
	}

	return now
}

// FindByID returns the latest document stored under key. found is false, with a nil
// error, when the key was never inserted. Stored bytes that do not decode result in
// a *document.DecodeError
func (d *DB) FindByID(key uint64) (doc document.Document, found bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, false, ErrClosed
	}

	value, found, err := d.lookup(key)
	if err != nil || !found {
		return nil, found, err
	}

	if doc, err = d.decode(key, value); err != nil {
		return nil, false, err
	}

	return doc, true, nil
}

// lookup checks the memtable, then the main segment, then the sealed segments from
// newest to oldest, stopping at the first hit
func (d *DB) lookup(key uint64) ([]byte, bool, error) {
	if value, ok := d.memTable.Get(key); ok {
		d.metrics.Lookups.WithLabelValues(metrics.LookupMemTable).Inc()
		return value, true, nil
	}

	if value, ok, err := d.main.Get(key); err != nil {
		countCorruption(d.metrics, err)
		return nil, false, fmt.Errorf("failed reading key %d from main segment: %w", key, err)
	} else if ok {
		d.metrics.Lookups.WithLabelValues(metrics.LookupMain).Inc()
		return value, true, nil
	}

	for i := len(d.sealed) - 1; i >= 0; i-- {
		seg := d.sealed[i]
		if value, ok, err := seg.Get(key); err != nil {
			countCorruption(d.metrics, err)
			return nil, false, fmt.Errorf("failed reading key %d from segment %s: %w", key, seg.Name(), err)
		} else if ok {
			d.metrics.Lookups.WithLabelValues(metrics.LookupSealed).Inc()
			return value, true, nil
		}
	}

	d.metrics.Lookups.WithLabelValues(metrics.LookupMiss).Inc()

	return nil, false, nil
}

func (d *DB) decode(key uint64, value []byte) (document.Document, error) {
	doc, err := d.cfg.Encoding.Decode(value)
	if err != nil {
		return nil, &document.DecodeError{Key: key, Err: err}
	}

	return doc, nil
}

// Segments describes the main segment followed by the sealed segments from newest to
// oldest
func (d *DB) Segments() ([]SegmentInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	infos := make([]SegmentInfo, 0, len(d.sealed)+1)
	infos = append(infos, segmentInfo(d.main, true))
	for i := len(d.sealed) - 1; i >= 0; i-- {
		infos = append(infos, segmentInfo(d.sealed[i], false))
	}

	return infos, nil
}

func segmentInfo(seg *segment.Segment, main bool) SegmentInfo {
	md := seg.Info()
	return SegmentInfo{
		Name:      md.Name,
		Size:      md.Size,
		Keys:      md.Keys,
		MinKey:    md.MinKey,
		MaxKey:    md.MaxKey,
		CreatedAt: md.CreatedAt,
		Main:      main,
	}
}

// Compact rewrites the named segment so that its file only holds live records. name
// is a SegmentInfo.Name as returned by Segments
func (d *DB) Compact(name string) (*CompactionResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writable(); err != nil {
		return nil, err
	}

	seg := d.segmentByName(name)
	if seg == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSegment, name)
	}

	return d.compact(seg)
}

// CompactAll compacts the main segment and every sealed segment, stopping at the
// first failure
func (d *DB) CompactAll() ([]*CompactionResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writable(); err != nil {
		return nil, err
	}

	targets := append([]*segment.Segment{d.main}, d.sealed...)

	results := make([]*CompactionResult, 0, len(targets))
	for _, seg := range targets {
		result, err := d.compact(seg)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}

	return results, nil
}

func (d *DB) compact(seg *segment.Segment) (*CompactionResult, error) {
	result, err := d.compactor.Compact(seg)
	if err != nil {
		countCorruption(d.metrics, err)
		return nil, err
	}

	d.metrics.Compactions.Inc()
	d.metrics.ReclaimedBytes.Add(float64(result.Reclaimed()))

	return &CompactionResult{
		Segment:    result.Segment,
		Records:    result.Records,
		SizeBefore: result.SizeBefore,
		SizeAfter:  result.SizeAfter,
	}, nil
}

func (d *DB) segmentByName(name string) *segment.Segment {
	if d.main.Name() == name {
		return d.main
	}

	for _, seg := range d.sealed {
		if seg.Name() == name {
			return seg
		}
	}

	return nil
}

// Close flushes the memtable, closes every segment and releases the directory lock.
// Closing an already closed DB is a no-op
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var flushErr error
	if d.broken == nil {
		flushErr = d.flush()
	}

	errs := []error{flushErr}
	for _, seg := range append([]*segment.Segment{d.main}, d.sealed...) {
		errs = append(errs, seg.Close())
	}
	errs = append(errs, unlock(d.cfg.Dir))
	d.metrics.Unregister()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed closing database: %w", err)
	}

	d.log.Info("closed database")

	return nil
}

func (d *DB) writable() error {
	if d.closed {
		return ErrClosed
	}

	if d.broken != nil {
		return fmt.Errorf("%w: %v", ErrInconsistent, d.broken)
	}

	return nil
}

func countCorruption(m *metrics.Metrics, err error) {
	if errors.Is(err, storage.ErrCorruptSegment) {
		m.CorruptSegments.Inc()
	}
}

func closeSegment(logger *log.Entry, seg *segment.Segment) {
	if err := seg.Close(); err != nil {
		logger.Warnf("%v", err)
	}
}
