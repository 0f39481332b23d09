package memtable

import (
	"time"

	"github.com/nbroyles/docdb/internal/memtable/interfaces"
	"github.com/nbroyles/docdb/internal/skiplist"
	"github.com/nbroyles/docdb/internal/storage"
)

// MemTable buffers writes that have not been flushed to the main segment yet. Size is
// the sum of the byte lengths of the values currently held. Overwriting a key adds the
// new value's length without subtracting the old one, so Size only grows until Clear.
type MemTable struct {
	memStore interfaces.InMemoryStore
	size     uint64
}

var _ interfaces.InMemoryStore = &skiplist.SkipList{}

func New() *MemTable {
	return &MemTable{memStore: skiplist.New(time.Now().UnixNano())}
}

// Get returns the value buffered for key, if any
func (m *MemTable) Get(key uint64) ([]byte, bool) {
	found, val := m.memStore.Get(key)
	return val, found
}

// Put inserts or overwrites key and accounts value's length in Size
func (m *MemTable) Put(key uint64, value []byte) {
	m.memStore.Put(key, value)
	m.size += uint64(len(value))
}

// Size returns the accumulated byte size used to decide when to flush
func (m *MemTable) Size() uint64 {
	return m.size
}

func (m *MemTable) Len() int {
	return m.memStore.Len()
}

func (m *MemTable) Empty() bool {
	return m.memStore.Len() == 0
}

// Clear drains the memtable and resets its size to 0
func (m *MemTable) Clear() {
	m.memStore.Clear()
	m.size = 0
}

// KeyRange returns the smallest and largest buffered keys. ok is false when empty
func (m *MemTable) KeyRange() (min uint64, max uint64, ok bool) {
	if min, ok = m.memStore.First(); !ok {
		return 0, 0, false
	}
	max, _ = m.memStore.Last()
	return min, max, true
}

// Range calls fn for every buffered key within [start, end], in ascending order,
// until fn returns false
func (m *MemTable) Range(start uint64, end uint64, fn func(rec *storage.Record) bool) {
	for iter := m.memStore.IteratorFrom(start); iter.HasNext(); {
		rec := iter.Next()
		if rec.Key > end || !fn(rec) {
			return
		}
	}
}

func (m *MemTable) InternalIterator() storage.InternalIterator {
	return m.memStore.InternalIterator()
}
