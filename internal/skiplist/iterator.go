package skiplist

import (
	"github.com/nbroyles/docdb/internal/storage"
	log "github.com/sirupsen/logrus"
)

// Iterator walks the bottom level of the list in ascending key order. It does not
// hold the list lock, so the list must not be written to while iterating
type Iterator struct {
	list    *SkipList
	pointer *Node
}

var _ storage.InternalIterator = &Iterator{}

func NewIterator(list *SkipList) *Iterator {
	list.lock.RLock()
	defer list.lock.RUnlock()

	return &Iterator{list: list, pointer: list.head}
}

// NewIteratorFrom returns an iterator positioned so that the first record returned
// has the smallest key >= start
func NewIteratorFrom(list *SkipList, start uint64) *Iterator {
	list.lock.RLock()
	defer list.lock.RUnlock()

	return &Iterator{list: list, pointer: list.seek(start)}
}

func (i *Iterator) HasNext() bool {
	return i.pointer.next[0] != nil
}

func (i *Iterator) Next() *storage.Record {
	if !i.HasNext() {
		log.Panic("iterator has no next element")
	}

	node := i.pointer.next[0]
	i.pointer = node

	return storage.NewRecord(node.key, node.value)
}
