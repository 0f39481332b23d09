package skiplist

import (
	"math/rand"
	"sync"

	"github.com/nbroyles/docdb/internal/storage"
	log "github.com/sirupsen/logrus"
)

const maxLevels = 32

// Node represents a node in the SkipList structure
type Node struct {
	next  []*Node
	key   uint64
	value []byte
}

// SkipList is an implementation of a data structure that provides
// O(log n) insertion and lookup without complicated self-balancing logic
// required of similar tree-like structures (e.g. red/black, AVL trees)
// See the following for more details:
//   - https://en.wikipedia.org/wiki/Skip_list
//   - https://igoro.com/archive/skip-lists-are-fascinating/
type SkipList struct {
	lock   sync.RWMutex
	head   *Node
	levels int
	length int
	rnd    *rand.Rand
}

func New(seed int64) *SkipList {
	return &SkipList{
		head:   &Node{next: make([]*Node, maxLevels)},
		levels: 1,
		rnd:    rand.New(rand.NewSource(seed)),
	}
}

// Get returns a boolean indicating whether the specified key
// was found in the list. If true, the value is returned as well
func (s *SkipList) Get(key uint64) (bool, []byte) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if node := s.find(key); node != nil {
		return true, node.value
	}

	return false, nil
}

// Put inserts or updates the value if the key already exists. Returns the previous
// value and whether one existed
func (s *SkipList) Put(key uint64, value []byte) ([]byte, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if node := s.find(key); node != nil {
		prev := node.value
		s.update(key, value)
		return prev, true
	}

	s.insert(key, value)
	return nil, false
}

// Len returns the number of keys in the list
func (s *SkipList) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.length
}

// Clear drops every key from the list
func (s *SkipList) Clear() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.head = &Node{next: make([]*Node, maxLevels)}
	s.levels = 1
	s.length = 0
}

// First returns the smallest key in the list
func (s *SkipList) First() (uint64, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if first := s.head.next[0]; first != nil {
		return first.key, true
	}

	return 0, false
}

// Last returns the largest key in the list
func (s *SkipList) Last() (uint64, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	c := s.head
	for i := s.levels - 1; i >= 0; i-- {
		for c.next[i] != nil {
			c = c.next[i]
		}
	}

	if c == s.head {
		return 0, false
	}

	return c.key, true
}

func (s *SkipList) find(key uint64) *Node {
	if prev := s.seek(key); prev.next[0] != nil && prev.next[0].key == key {
		return prev.next[0]
	}

	return nil
}

// seek returns the last node at the bottom level whose key is less than key
func (s *SkipList) seek(key uint64) *Node {
	c := s.head
	for i := s.levels - 1; i >= 0; i-- {
		for c.next[i] != nil && c.next[i].key < key {
			c = c.next[i]
		}
	}

	return c
}

func (s *SkipList) update(key uint64, value []byte) {
	node := s.find(key)
	if node == nil {
		log.Panicf("could not update key %d even though we expected it to exist!", key)
	}

	node.value = value
}

func (s *SkipList) insert(key uint64, value []byte) {
	levels := s.generateLevels()

	if levels > s.levels {
		s.levels = levels
	}

	newNode := &Node{next: make([]*Node, levels), key: key, value: value}

	c := s.head
	for i := s.levels - 1; i >= 0; i-- {
		for ; c.next[i] != nil; c = c.next[i] {
			// Stop moving rightward at this level if next key is greater
			// than key we plan to insert
			if c.next[i].key > key {
				break
			} else if c.next[i].key == key {
				log.Panicf("attempting to insert key %d that already exists. "+
					"this should not happen!", key)
			}
		}
		if levels > i {
			newNode.next[i] = c.next[i]
			c.next[i] = newNode
		}
	}

	s.length++
}

// Level generation shamelessly stolen from
// https://igoro.com/archive/skip-lists-are-fascinating/
func (s *SkipList) generateLevels() int {
	levels := 0
	for num := s.rnd.Int31(); num&1 == 1 && levels < maxLevels; num >>= 1 {
		levels += 1
	}

	if levels == 0 {
		levels = 1
	}

	return levels
}

// InternalIterator returns an iterator over every key in ascending order. Primarily
// useful when flushing the list to a segment on disk
func (s *SkipList) InternalIterator() storage.InternalIterator {
	return NewIterator(s)
}

// IteratorFrom returns an iterator starting at the smallest key >= start
func (s *SkipList) IteratorFrom(start uint64) storage.InternalIterator {
	return NewIteratorFrom(s, start)
}
