package cache

import (
	"sync"

	"github.com/hthuynh/cacheproxy/internal/metrics"
)

// Store implements the shared response cache: a fixed-byte-budget,
// approximately-LRU key/value store. Keys are request URLs exactly as
// received on the wire; values are complete origin responses.
// Uses LRU eviction against a byte budget when an admission does not fit.
// Time Complexity: O(1) for lookup and admit with hash map and doubly-linked list
// Space Complexity: O(n) where n is the sum of cached object sizes
type Store struct {
	entries   map[string]*node // hash map for O(1) key lookup
	head      *node            // dummy head; head.next is the most recently used entry
	tail      *node            // dummy tail; tail.prev is the least recently used entry
	mutex     sync.RWMutex     // protects all store structures
	capacity  int64            // byte budget across all live entries
	maxObject int64            // per-entry byte ceiling for admission
	used      int64            // sum of live entry sizes

	cm *metrics.CacheMetrics // optional occupancy/eviction instruments
}

// node is an entry in the doubly-linked recency list. The list runs
// from most recently used (after head) to least recently used (before
// tail); both key and value are immutable once inserted, only the
// node's list position changes.
type node struct {
	key  string
	body []byte
	prev *node
	next *node
}

// New creates a response cache with the given byte budgets.
// Initializes the doubly-linked list with dummy head and tail nodes,
// which keeps insertion and removal free of nil checks.
// The metrics receiver may be nil.
func New(capacity, maxObject int64, cm *metrics.CacheMetrics) *Store {
	head := &node{}
	tail := &node{}
	head.next = tail
	tail.prev = head

	return &Store{
		entries:   make(map[string]*node),
		head:      head,
		tail:      tail,
		capacity:  capacity,
		maxObject: maxObject,
		cm:        cm,
	}
}

// Lookup returns a copy of the cached response for key and promotes
// the entry to most recently used. The second return is false on miss.
//
// A hit mutates the recency order, so the call takes the write side of
// the lock for its whole duration. The returned bytes are copied out
// under the hold; callers transmit them without holding any store
// resource.
// Time Complexity: O(1) plus the copy of the returned bytes
func (s *Store) Lookup(key string) ([]byte, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	n, exists := s.entries[key]
	if !exists {
		return nil, false
	}

	s.moveToFront(n)

	body := make([]byte, len(n.body))
	copy(body, n.body)
	return body, true
}

// Admit offers a response body for storage under key. Admission is
// best effort and surfaces no errors:
//
//   - bodies larger than the per-object ceiling, or larger than the
//     whole budget, are silently dropped (the capacity guard is what
//     makes the eviction loop below terminate);
//   - if the key is already present the existing entry is promoted and
//     its value kept — concurrent admissions of the same URL race
//     benignly and the first to enter wins;
//   - otherwise least-recently-used entries are evicted until the body
//     fits, and a fresh entry is inserted at the front with owned
//     copies of key and body.
//
// Time Complexity: O(1) amortized; a single admission evicts at most
// until the budget fits
func (s *Store) Admit(key string, body []byte) {
	size := int64(len(body))
	if size > s.maxObject || size > s.capacity {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if n, exists := s.entries[key]; exists {
		s.moveToFront(n)
		return
	}

	for s.used+size > s.capacity {
		s.evictLRU()
	}

	owned := make([]byte, len(body))
	copy(owned, body)
	n := &node{
		key:  key,
		body: owned,
	}

	s.entries[key] = n
	s.addToFront(n)
	s.used += size

	s.cm.SetOccupancy(s.used, len(s.entries))
}

// Used returns the sum of live entry sizes in bytes.
func (s *Store) Used() int64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.used
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.entries)
}

// Shutdown drops every entry and detaches the store structures.
// No operation on the store is defined after Shutdown returns.
func (s *Store) Shutdown() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.entries = nil
	s.head.next = s.tail
	s.tail.prev = s.head
	s.used = 0

	s.cm.SetOccupancy(0, 0)
}

// moveToFront repositions an existing node as most recently used.
func (s *Store) moveToFront(n *node) {
	s.removeNode(n)
	s.addToFront(n)
}

// addToFront inserts a node immediately after the dummy head.
func (s *Store) addToFront(n *node) {
	n.prev = s.head
	n.next = s.head.next
	s.head.next.prev = n
	s.head.next = n
}

// removeNode unlinks a node from the recency list.
func (s *Store) removeNode(n *node) {
	n.prev.next = n.next
	n.next.prev = n.prev
}

// evictLRU removes the least recently used entry to reclaim capacity.
// Callers guarantee the list is non-empty: the eviction loop only runs
// while used is positive, and used is positive only with live entries.
func (s *Store) evictLRU() {
	lru := s.tail.prev
	s.removeNode(lru)
	delete(s.entries, lru.key)
	s.used -= int64(len(lru.body))

	s.cm.RecordEviction()
	s.cm.SetOccupancy(s.used, len(s.entries))
}
