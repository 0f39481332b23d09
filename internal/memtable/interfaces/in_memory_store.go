package interfaces

import "github.com/nbroyles/docdb/internal/storage"

// InMemoryStore is to be implemented by any data structure that's to be used as the
// in memory store for the MemTable. Keys must be kept in ascending order.
type InMemoryStore interface {
	// Get returns a boolean indicating whether the specified key
	// was found. If true, the value is returned as well
	Get(key uint64) (bool, []byte)

	// Put inserts or updates the value if the key already exists. Returns
	// the previous value and whether there was one
	Put(key uint64, value []byte) ([]byte, bool)

	// Len returns the number of keys held
	Len() int

	// Clear removes every key
	Clear()

	// First and Last return the smallest and largest keys held
	First() (uint64, bool)
	Last() (uint64, bool)

	// InternalIterator returns an iterator that can be used to iterate over each element
	// in the store. Primarily useful when flushing structure to a segment on disk
	InternalIterator() storage.InternalIterator

	// IteratorFrom returns an iterator positioned at the smallest key >= start
	IteratorFrom(start uint64) storage.InternalIterator
}
