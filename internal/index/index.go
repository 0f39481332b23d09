// Package index maps keys to the byte offset of their record inside one segment file.
//
// An Index is always derived from its segment file and can be rebuilt from it at any
// time with Build; it is never written to disk on its own.
package index

import (
	"github.com/google/btree"
)

const degree = 32

type entry struct {
	key    uint64
	offset uint64
}

func less(a, b entry) bool {
	return a.key < b.key
}

// Index is an ordered key -> offset mapping. Putting a key that already exists
// replaces its offset, so the index always points at the latest write
type Index struct {
	tree *btree.BTreeG[entry]
}

func New() *Index {
	return &Index{tree: btree.NewG[entry](degree, less)}
}

// Put records that the latest record for key starts at offset
func (i *Index) Put(key uint64, offset uint64) {
	i.tree.ReplaceOrInsert(entry{key: key, offset: offset})
}

// Get returns the offset of key's record
func (i *Index) Get(key uint64) (uint64, bool) {
	e, ok := i.tree.Get(entry{key: key})
	return e.offset, ok
}

func (i *Index) Len() int {
	return i.tree.Len()
}

// Min returns the smallest indexed key
func (i *Index) Min() (uint64, bool) {
	e, ok := i.tree.Min()
	return e.key, ok
}

// Max returns the largest indexed key
func (i *Index) Max() (uint64, bool) {
	e, ok := i.tree.Max()
	return e.key, ok
}

// Overlaps reports whether [start, end] intersects [Min, Max]
func (i *Index) Overlaps(start uint64, end uint64) bool {
	min, ok := i.Min()
	if !ok {
		return false
	}
	max, _ := i.Max()

	return start <= max && min <= end
}

// Ascend calls fn for every entry in ascending key order until fn returns false
func (i *Index) Ascend(fn func(key uint64, offset uint64) bool) {
	i.tree.Ascend(func(e entry) bool {
		return fn(e.key, e.offset)
	})
}

// AscendRange calls fn for every entry with start <= key <= end in ascending order
// until fn returns false
func (i *Index) AscendRange(start uint64, end uint64, fn func(key uint64, offset uint64) bool) {
	i.tree.AscendGreaterOrEqual(entry{key: start}, func(e entry) bool {
		if e.key > end {
			return false
		}
		return fn(e.key, e.offset)
	})
}

// Clone returns an independent copy of the index. The copy is lazy, so cloning is
// cheap until either side is written to
func (i *Index) Clone() *Index {
	return &Index{tree: i.tree.Clone()}
}

// Clear removes every entry
func (i *Index) Clear() {
	i.tree.Clear(false)
}
