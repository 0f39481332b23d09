package pkg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/go-faker/faker/v4"
	"github.com/nbroyles/docdb/internal/document"
	"github.com/nbroyles/docdb/internal/segment"
	"github.com/nbroyles/docdb/internal/storage"
	"github.com/nbroyles/docdb/internal/test"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profile struct {
	Name     string `json:"name" faker:"name"`
	Email    string `json:"email" faker:"email"`
	Username string `json:"username" faker:"username"`
	Bio      string `json:"bio" faker:"sentence"`
}

func TestOpen_CreatesLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "db")

	db, err := Open(DefaultConfig(dir))
	require.NoError(t, err)

	assert.True(t, test.FileExists(t, filepath.Join(dir, mainSegmentName)))
	assert.True(t, test.FileExists(t, filepath.Join(dir, segmentsDir)))
	assert.True(t, test.FileExists(t, filepath.Join(dir, lockFile)))

	require.NoError(t, db.Close())
	assert.False(t, test.FileExists(t, filepath.Join(dir, lockFile)))
}

func TestOpen_NoDir(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpen_ZeroThresholdsUseDefaults(t *testing.T) {
	db, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, uint64(DefaultMemTableMaxSize), db.cfg.MemTableMaxSize)
	assert.Equal(t, uint64(DefaultMaxSegmentSize), db.cfg.MaxSegmentSize)
	assert.NotNil(t, db.cfg.Encoding)
	assert.NotNil(t, db.cfg.Logger)
}

func TestOpen_Locked(t *testing.T) {
	db := newTestDB(t)

	_, err := Open(db.cfg)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestInsertFind_RoundTripAfterReopen(t *testing.T) {
	db := newTestDB(t, func(cfg *Config) {
		cfg.MemTableMaxSize = 300
		cfg.MaxSegmentSize = 2000
	})

	profiles := map[uint64]profile{}
	for key := uint64(1); key <= 100; key++ {
		p := fakeProfile(t)
		profiles[key] = p
		require.NoError(t, db.InsertDocument(key, p))
	}

	db = reopen(t, db)

	for key, expected := range profiles {
		doc, found, err := db.FindByID(key)
		require.NoError(t, err)
		require.True(t, found, "key %d", key)
		assert.Equal(t, expected, asProfile(t, doc))
	}

	segments, err := db.Segments()
	require.NoError(t, err)
	assert.Greater(t, len(segments), 1)
}

func TestFindByID_NotFound(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Insert(1, []byte(`{"id":1}`)))
	require.NoError(t, db.Flush())

	doc, found, err := db.FindByID(2)
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, doc)
}

func TestFindByID_NullDocumentIsFound(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Insert(1, []byte(`null`)))

	doc, found, err := db.FindByID(1)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Nil(t, doc)
}

func TestFindByID_LastWriteWins(t *testing.T) {
	db := newTestDB(t)

	// superseded within the main segment
	require.NoError(t, db.Insert(1, []byte(`{"v":"a"}`)))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Insert(1, []byte(`{"v":"b"}`)))
	require.NoError(t, db.Flush())
	assertValue(t, db, 1, "b")

	// memtable shadows the main segment
	require.NoError(t, db.Insert(1, []byte(`{"v":"c"}`)))
	assertValue(t, db, 1, "c")

	// main shadows sealed
	require.NoError(t, db.Flush())
	require.NoError(t, db.Rotate())
	require.NoError(t, db.Insert(1, []byte(`{"v":"d"}`)))
	require.NoError(t, db.Flush())
	assertValue(t, db, 1, "d")

	db = reopen(t, db)
	assertValue(t, db, 1, "d")
}

func TestFindByID_NewestSealedWins(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Insert(5, []byte(`{"v":"old"}`)))
	require.NoError(t, db.Insert(6, []byte(`{"v":"only"}`)))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Rotate())

	require.NoError(t, db.Insert(5, []byte(`{"v":"new"}`)))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Rotate())

	segments, err := db.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 3)
	assert.True(t, segments[0].Main)
	assert.True(t, segments[1].CreatedAt.After(segments[2].CreatedAt))

	assertValue(t, db, 5, "new")
	assertValue(t, db, 6, "only")

	db = reopen(t, db)
	assertValue(t, db, 5, "new")
	assertValue(t, db, 6, "only")
}

func TestFindByIDRange_CompleteAndDeduplicated(t *testing.T) {
	db := newTestDB(t)

	for key := uint64(1); key <= 1000; key++ {
		require.NoError(t, db.Insert(key, []byte(fmt.Sprintf(`{"id":%d,"rev":1}`, key))))
	}
	// rewrite part of the range so it lives in more than one segment
	for key := uint64(50); key <= 60; key++ {
		require.NoError(t, db.Insert(key, []byte(fmt.Sprintf(`{"id":%d,"rev":2}`, key))))
	}

	segments, err := db.Segments()
	require.NoError(t, err)
	require.Greater(t, len(segments), 2)

	docs, err := db.FindByIDRange(11, 100)
	require.NoError(t, err)
	assert.Len(t, docs, 90)

	seen := map[uint64]bool{}
	for _, doc := range docs {
		id := field(t, doc, "id")
		assert.False(t, seen[id], "duplicate key %d", id)
		seen[id] = true

		assert.GreaterOrEqual(t, id, uint64(11))
		assert.LessOrEqual(t, id, uint64(100))

		if id >= 50 && id <= 60 {
			assert.Equal(t, uint64(2), field(t, doc, "rev"), "key %d", id)
		} else {
			assert.Equal(t, uint64(1), field(t, doc, "rev"), "key %d", id)
		}
	}

	db = reopen(t, db)

	docs, err = db.FindByIDRange(11, 100)
	require.NoError(t, err)
	assert.Len(t, docs, 90)
}

func TestFindByIDRange_RecencyOrderedRuns(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Insert(1, []byte(`{"id":1}`)))
	require.NoError(t, db.Insert(2, []byte(`{"id":2}`)))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Rotate())
	require.NoError(t, db.Insert(5, []byte(`{"id":5}`)))
	require.NoError(t, db.Insert(3, []byte(`{"id":3}`)))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Insert(9, []byte(`{"id":9}`)))
	require.NoError(t, db.Insert(8, []byte(`{"id":8}`)))
	require.NoError(t, db.Insert(2, []byte(`{"id":2}`)))

	docs, err := db.FindByIDRange(0, 100)
	require.NoError(t, err)

	var ids []uint64
	for _, doc := range docs {
		ids = append(ids, field(t, doc, "id"))
	}

	// memtable, then main, then sealed
	assert.Equal(t, []uint64{2, 8, 9, 3, 5, 1}, ids)
}

func TestFindByIDRange_Bounds(t *testing.T) {
	db := newTestDB(t)

	for key := uint64(10); key <= 20; key++ {
		require.NoError(t, db.Insert(key, []byte(fmt.Sprintf(`{"id":%d}`, key))))
	}
	require.NoError(t, db.Flush())
	require.NoError(t, db.Insert(30, []byte(`{"id":30}`)))

	docs, err := db.FindByIDRange(20, 30)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = db.FindByIDRange(21, 29)
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = db.FindByIDRange(0, 9)
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = db.FindByIDRange(20, 10)
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = db.FindByIDRange(15, 15)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, uint64(15), field(t, docs[0], "id"))
}

func TestFindByIDRange_MemTableBelowRange(t *testing.T) {
	db := newTestDB(t)

	// the memtable's keys straddle the range without any of them falling inside it
	require.NoError(t, db.Insert(1, []byte(`{"id":1}`)))
	require.NoError(t, db.Insert(100, []byte(`{"id":100}`)))

	docs, err := db.FindByIDRange(10, 20)
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = db.FindByIDRange(50, 200)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, uint64(100), field(t, docs[0], "id"))
}

func TestRecovery_Idempotent(t *testing.T) {
	db := newTestDB(t, func(cfg *Config) {
		cfg.MemTableMaxSize = 100
		cfg.MaxSegmentSize = 500
	})

	for key := uint64(1); key <= 60; key++ {
		require.NoError(t, db.Insert(key%25, []byte(fmt.Sprintf(`{"id":%d}`, key))))
	}

	db = reopen(t, db)
	first := segmentShapes(t, db)
	firstDocs, err := db.FindByIDRange(0, 100)
	require.NoError(t, err)

	db = reopen(t, db)
	assert.Equal(t, first, segmentShapes(t, db))

	secondDocs, err := db.FindByIDRange(0, 100)
	require.NoError(t, err)
	assert.Equal(t, firstDocs, secondDocs)
}

func TestRecovery_UnflushedWritesAreLost(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Insert(1, []byte(`{"v":"flushed"}`)))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Insert(2, []byte(`{"v":"buffered"}`)))

	crash(t, db)

	db, err := Open(db.cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	assertValue(t, db, 1, "flushed")
	_, found, err := db.FindByID(2)
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestRecovery_IgnoresScratchFiles(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Insert(1, []byte(`{"v":"a"}`)))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Rotate())
	dir := db.cfg.Dir
	crash(t, db)

	scratch := filepath.Join(dir, segmentsDir, "segment_1_x.db.tmp")
	require.NoError(t, os.WriteFile(scratch, []byte("garbage"), 0644))
	mainScratch := filepath.Join(dir, mainSegmentName+".tmp")
	require.NoError(t, os.WriteFile(mainScratch, []byte("garbage"), 0644))

	db, err := Open(db.cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	assert.False(t, test.FileExists(t, scratch))
	assert.False(t, test.FileExists(t, mainScratch))
	assertValue(t, db, 1, "a")
}

func TestOpen_CorruptMainSegment(t *testing.T) {
	dir := t.TempDir()
	test.WriteSegmentFile(t, filepath.Join(dir, mainSegmentName), storage.NewRecord(1, []byte(`{"v":1}`)))
	appendBytes(t, filepath.Join(dir, mainSegmentName), []byte{1, 2, 3})

	_, err := Open(DefaultConfig(dir))
	assert.ErrorIs(t, err, storage.ErrCorruptSegment)

	var corruption *storage.CorruptionError
	require.ErrorAs(t, err, &corruption)
	assert.Equal(t, int64(23), corruption.Offset)

	// lock is released on failure
	assert.False(t, test.FileExists(t, filepath.Join(dir, lockFile)))
}

func TestOpen_CorruptSealedSegment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, segmentsDir), 0755))

	path := filepath.Join(dir, segmentsDir, "segment_1_a.db")
	test.WriteSegmentFile(t, path, storage.NewRecord(1, []byte(`{"v":1}`)))
	// header promises more payload than the file holds
	appendBytes(t, path, (&storage.Codec{}).Encode(storage.NewRecord(2, []byte(`{"v":2}`)))[:20])

	_, err := Open(DefaultConfig(dir))
	assert.ErrorIs(t, err, storage.ErrCorruptSegment)
}

func TestInsert_OversizedValueAccepted(t *testing.T) {
	db := newTestDB(t, func(cfg *Config) {
		cfg.MemTableMaxSize = 10
	})

	big := []byte(fmt.Sprintf(`{"v":"%s"}`, faker.Sentence()))
	require.Greater(t, len(big), 10)

	require.NoError(t, db.Insert(1, big))
	assert.Equal(t, 1, db.memTable.Len())
	assert.True(t, db.main.Empty())

	// the next insert flushes the oversized value on its own
	require.NoError(t, db.Insert(2, []byte(`{}`)))
	assert.Equal(t, 1, db.memTable.Len())
	assert.Equal(t, 1, db.main.Index().Len())

	doc, found, err := db.FindByID(1)
	require.NoError(t, err)
	require.True(t, found)
	assert.NotNil(t, doc)
}

func TestInsert_OversizedValueRejected(t *testing.T) {
	db := newTestDB(t, func(cfg *Config) {
		cfg.MemTableMaxSize = 10
		cfg.OversizedValues = RejectOversized
	})

	err := db.Insert(1, []byte(`{"v":"this is too long"}`))
	assert.ErrorIs(t, err, ErrValueTooLarge)
	assert.True(t, db.memTable.Empty())

	_, found, err := db.FindByID(1)
	assert.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, db.Insert(1, []byte(`{}`)))
}

func TestInsert_FlushesAtThreshold(t *testing.T) {
	db := newTestDB(t, func(cfg *Config) {
		cfg.MemTableMaxSize = 20
	})

	require.NoError(t, db.Insert(1, []byte(`{"v":"aaaa"}`))) // 12 bytes
	assert.True(t, db.main.Empty())

	require.NoError(t, db.Insert(2, []byte(`{"v":"bb"}`))) // 12 + 10 > 20
	assert.Equal(t, 1, db.main.Index().Len())
	assert.Equal(t, uint64(10), db.memTable.Size())
}

func TestInsert_CopiesValue(t *testing.T) {
	db := newTestDB(t)

	value := []byte(`{"v":"a"}`)
	require.NoError(t, db.Insert(1, value))
	value[6] = 'z'

	assertValue(t, db, 1, "a")
}

func TestFlush_RotatesWhenMainWouldOverflow(t *testing.T) {
	db := newTestDB(t, func(cfg *Config) {
		cfg.MaxSegmentSize = 100
	})

	value := fmt.Sprintf(`{"v":"%060d"}`, 0)

	require.NoError(t, db.Insert(1, []byte(value)))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Insert(2, []byte(value)))
	require.NoError(t, db.Flush())

	segments, err := db.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 2)

	assert.True(t, segments[0].Main)
	assert.Equal(t, 1, segments[0].Keys)
	assert.Equal(t, uint64(2), segments[0].MinKey)

	assert.False(t, segments[1].Main)
	assert.Equal(t, 1, segments[1].Keys)
	assert.Equal(t, uint64(1), segments[1].MinKey)
	assert.True(t, test.FileExists(t, filepath.Join(db.cfg.Dir, segmentsDir, segments[1].Name)))
}

func TestFlush_OversizedBatchGoesIntoEmptyMain(t *testing.T) {
	db := newTestDB(t, func(cfg *Config) {
		cfg.MaxSegmentSize = 10
	})

	require.NoError(t, db.Insert(1, []byte(`{"v":"larger than a segment"}`)))
	require.NoError(t, db.Flush())

	segments, err := db.Segments()
	require.NoError(t, err)
	assert.Len(t, segments, 1)
	assert.Equal(t, 1, segments[0].Keys)
}

func TestFlush_EmptyMemTable(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Flush())
	assert.True(t, db.main.Empty())
	assert.Equal(t, float64(0), testutil.ToFloat64(db.metrics.Flushes))
}

func TestRotate_EmptyMainIsNoop(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Insert(1, []byte(`{}`)))
	require.NoError(t, db.Rotate())

	segments, err := db.Segments()
	require.NoError(t, err)
	assert.Len(t, segments, 1)
	assert.Equal(t, 1, db.memTable.Len())
}

func TestCompact_MainSegment(t *testing.T) {
	db := newTestDB(t)

	for rev := 0; rev < 5; rev++ {
		for key := uint64(1); key <= 3; key++ {
			require.NoError(t, db.Insert(key, []byte(fmt.Sprintf(`{"v":"%d-%d"}`, key, rev))))
		}
		require.NoError(t, db.Flush())
	}

	segments, err := db.Segments()
	require.NoError(t, err)
	before := segments[0].Size

	result, err := db.Compact(segments[0].Name)
	require.NoError(t, err)
	assert.Equal(t, mainSegmentName, result.Segment)
	assert.Equal(t, 3, result.Records)
	assert.Equal(t, before, result.SizeBefore)
	assert.Less(t, result.SizeAfter, result.SizeBefore)
	assert.Equal(t, float64(result.SizeBefore-result.SizeAfter), testutil.ToFloat64(db.metrics.ReclaimedBytes))

	for key := uint64(1); key <= 3; key++ {
		assertValue(t, db, key, fmt.Sprintf("%d-4", key))
	}

	// the compacted file is what recovery sees
	db = reopen(t, db)
	segments, err = db.Segments()
	require.NoError(t, err)
	assert.Equal(t, result.SizeAfter, segments[0].Size)
	for key := uint64(1); key <= 3; key++ {
		assertValue(t, db, key, fmt.Sprintf("%d-4", key))
	}

	// appends continue after the compacted records
	require.NoError(t, db.Insert(4, []byte(`{"v":"4-0"}`)))
	require.NoError(t, db.Flush())
	assertValue(t, db, 4, "4-0")
	assertValue(t, db, 1, "1-4")
}

func TestCompact_SealedSegment(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Insert(1, []byte(`{"v":"a"}`)))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Insert(1, []byte(`{"v":"b"}`)))
	require.NoError(t, db.Insert(2, []byte(`{"v":"c"}`)))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Rotate())
	require.NoError(t, db.Insert(3, []byte(`{"v":"d"}`)))
	require.NoError(t, db.Flush())

	segments, err := db.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 2)
	mainBefore := segments[0]

	result, err := db.Compact(segments[1].Name)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Records)
	assert.Less(t, result.SizeAfter, result.SizeBefore)

	assertValue(t, db, 1, "b")
	assertValue(t, db, 2, "c")
	assertValue(t, db, 3, "d")

	segments, err = db.Segments()
	require.NoError(t, err)
	assert.Equal(t, mainBefore.Size, segments[0].Size)

	_, err = db.Compact("segment_does_not_exist.db")
	assert.ErrorIs(t, err, ErrUnknownSegment)
}

func TestCompactAll(t *testing.T) {
	db := newTestDB(t, func(cfg *Config) {
		cfg.MemTableMaxSize = 50
		cfg.MaxSegmentSize = 300
	})

	for i := 0; i < 200; i++ {
		key := uint64(i % 7)
		require.NoError(t, db.Insert(key, []byte(fmt.Sprintf(`{"id":%d,"rev":%d}`, key, i))))
	}
	require.NoError(t, db.Flush())

	before, err := db.FindByIDRange(0, 10)
	require.NoError(t, err)

	segments, err := db.Segments()
	require.NoError(t, err)

	results, err := db.CompactAll()
	require.NoError(t, err)
	assert.Len(t, results, len(segments))
	for _, result := range results {
		assert.LessOrEqual(t, result.SizeAfter, result.SizeBefore)
	}
	assert.Equal(t, float64(len(segments)), testutil.ToFloat64(db.metrics.Compactions))

	after, err := db.FindByIDRange(0, 10)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFindByID_DecodeError(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Insert(1, []byte(`{"v":`)))
	require.NoError(t, db.Insert(2, []byte{0xff, 0xfe}))
	require.NoError(t, db.Insert(3, []byte(`{"v":"fine"}`)))
	require.NoError(t, db.Flush())

	for _, key := range []uint64{1, 2} {
		_, found, err := db.FindByID(key)
		assert.False(t, found)

		var decodeErr *document.DecodeError
		require.ErrorAs(t, err, &decodeErr)
		assert.Equal(t, key, decodeErr.Key)
	}

	assertValue(t, db, 3, "fine")

	_, err := db.FindByIDRange(0, 3)
	var decodeErr *document.DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestClosed(t *testing.T) {
	db, err := Open(DefaultConfig(t.TempDir()))
	require.NoError(t, err)

	require.NoError(t, db.Insert(1, []byte(`{"v":"a"}`)))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	assert.ErrorIs(t, db.Insert(2, []byte(`{}`)), ErrClosed)
	assert.ErrorIs(t, db.Flush(), ErrClosed)
	assert.ErrorIs(t, db.Rotate(), ErrClosed)

	_, _, err = db.FindByID(1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.FindByIDRange(0, 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Segments()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Compact(mainSegmentName)
	assert.ErrorIs(t, err, ErrClosed)

	// close flushed the memtable
	db, err = Open(db.cfg)
	require.NoError(t, err)
	defer db.Close()
	assertValue(t, db, 1, "a")
}

func TestFlush_FailureKeepsMemTable(t *testing.T) {
	db := newTestDB(t, func(cfg *Config) {
		cfg.MemTableMaxSize = 20
	})

	require.NoError(t, db.Insert(1, []byte(`{"v":"a"}`)))
	require.NoError(t, db.Insert(2, []byte(`{"v":"b"}`)))

	// appends to a closed file fail before anything is written
	require.NoError(t, db.main.Close())

	assert.Error(t, db.Flush())
	assert.Equal(t, 2, db.memTable.Len())
	assert.True(t, db.main.Empty())
	assert.Equal(t, 0, db.main.Index().Len())
	assert.Nil(t, db.broken)
	assert.Equal(t, float64(1), testutil.ToFloat64(db.metrics.FlushFailures))

	// an insert that needs a flush fails without touching the memtable
	assert.Error(t, db.Insert(3, []byte(`{"v":"c"}`)))
	assert.Equal(t, 2, db.memTable.Len())
	_, found, err := db.FindByID(3)
	assert.NoError(t, err)
	assert.False(t, found)

	assertValue(t, db, 1, "a")
	assertValue(t, db, 2, "b")
}

func TestFlush_TornWriteMarksInconsistent(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Insert(1, []byte(`{"v":"a"}`)))

	err := db.flushFailed(fmt.Errorf("%w: main_segment.db", segment.ErrTornWrite))
	assert.ErrorIs(t, err, segment.ErrTornWrite)
	assert.ErrorIs(t, db.broken, segment.ErrTornWrite)

	assert.ErrorIs(t, db.Insert(2, []byte(`{}`)), ErrInconsistent)
	assert.ErrorIs(t, db.Rotate(), ErrInconsistent)
	assertValue(t, db, 1, "a")
}

func TestInsert_ValueOverRecordLimit(t *testing.T) {
	db := newTestDB(t)
	db.maxValueLen = 16

	err := db.Insert(1, []byte(`{"v":"longer than the limit"}`))
	assert.ErrorIs(t, err, ErrValueTooLarge)
	assert.True(t, db.memTable.Empty())

	assert.NoError(t, db.Insert(1, []byte(`{"v":"short"}`)))
}

func TestInconsistentRefusesWrites(t *testing.T) {
	db := newTestDB(t)
	db.broken = fmt.Errorf("simulated")

	assert.ErrorIs(t, db.Insert(1, []byte(`{}`)), ErrInconsistent)
	assert.ErrorIs(t, db.Flush(), ErrInconsistent)
	_, err := db.CompactAll()
	assert.ErrorIs(t, err, ErrInconsistent)

	_, found, err := db.FindByID(1)
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	db := newTestDB(t, func(cfg *Config) {
		cfg.Registerer = reg
	})

	require.NoError(t, db.Insert(1, []byte(`{"v":"a"}`)))
	assert.Equal(t, float64(9), testutil.ToFloat64(db.metrics.MemTableBytes))

	require.NoError(t, db.Flush())
	require.NoError(t, db.Rotate())
	require.NoError(t, db.Insert(2, []byte(`{"v":"b"}`)))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Insert(3, []byte(`{"v":"c"}`)))

	for _, key := range []uint64{1, 2, 3, 4} {
		_, _, err := db.FindByID(key)
		require.NoError(t, err)
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(db.metrics.Flushes))
	assert.Equal(t, float64(1), testutil.ToFloat64(db.metrics.Rotations))
	assert.Equal(t, float64(50), testutil.ToFloat64(db.metrics.BytesFlushed))
	assert.Equal(t, float64(1), testutil.ToFloat64(db.metrics.SealedSegments))
	assert.Equal(t, float64(1), testutil.ToFloat64(db.metrics.Lookups.WithLabelValues("memtable")))
	assert.Equal(t, float64(1), testutil.ToFloat64(db.metrics.Lookups.WithLabelValues("main")))
	assert.Equal(t, float64(1), testutil.ToFloat64(db.metrics.Lookups.WithLabelValues("sealed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(db.metrics.Lookups.WithLabelValues("miss")))

	count, err := testutil.GatherAndCount(reg, "docdb_flushes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// reopening on the same registry works once the first handle is closed
	reopen(t, db)
}

func newTestDB(t *testing.T, opts ...func(cfg *Config)) *DB {
	cfg := DefaultConfig(t.TempDir())
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

// reopen closes db and opens a new handle on the same directory
func reopen(t *testing.T, db *DB) *DB {
	require.NoError(t, db.Close())

	reopened, err := Open(db.cfg)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	return reopened
}

// crash drops db without flushing its memtable, leaving the files as a killed
// process would
func crash(t *testing.T, db *DB) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.closed = true
	require.NoError(t, db.main.Close())
	for _, seg := range db.sealed {
		require.NoError(t, seg.Close())
	}
	require.NoError(t, unlock(db.cfg.Dir))
	db.metrics.Unregister()
}

type segmentShape struct {
	Name string
	Size uint64
	Keys int
	Min  uint64
	Max  uint64
}

func segmentShapes(t *testing.T, db *DB) []segmentShape {
	segments, err := db.Segments()
	require.NoError(t, err)

	var shapes []segmentShape
	for _, s := range segments {
		shapes = append(shapes, segmentShape{Name: s.Name, Size: s.Size, Keys: s.Keys, Min: s.MinKey, Max: s.MaxKey})
	}

	return shapes
}

func fakeProfile(t *testing.T) profile {
	var p profile
	require.NoError(t, faker.FakeData(&p))
	return p
}

func asProfile(t *testing.T, doc document.Document) profile {
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var p profile
	require.NoError(t, json.Unmarshal(data, &p))
	return p
}

func assertValue(t *testing.T, db *DB, key uint64, expected string) {
	t.Helper()

	doc, found, err := db.FindByID(key)
	require.NoError(t, err)
	require.True(t, found, "key %d not found", key)

	fields, ok := doc.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, expected, fields["v"], "key %d", key)
}

func field(t *testing.T, doc document.Document, name string) uint64 {
	t.Helper()

	fields, ok := doc.(map[string]interface{})
	require.True(t, ok)

	number, ok := fields[name].(json.Number)
	require.True(t, ok, "field %s is %T", name, fields[name])

	value, err := strconv.ParseUint(number.String(), 10, 64)
	require.NoError(t, err)
	return value
}

func appendBytes(t *testing.T, path string, data []byte) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	defer file.Close()

	_, err = file.Write(data)
	require.NoError(t, err)
}
