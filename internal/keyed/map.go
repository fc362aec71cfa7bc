// Package keyed provides sharded, per-key synchronised state containers.
//
// Registries in this service are indexed by conversation key. A single
// process-wide mutex would serialize unrelated conversations, so state is
// split across fixed shards selected by an FNV hash of the key.
package keyed

import (
	"hash/fnv"
	"sync"
)

const shardCount = 64

// Map is a concurrency-safe string-keyed map split across shards.
type Map[V any] struct {
	shards [shardCount]*mapShard[V]
}

type mapShard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// NewMap creates an empty sharded map.
func NewMap[V any]() *Map[V] {
	m := &Map[V]{}
	for i := range m.shards {
		m.shards[i] = &mapShard[V]{items: make(map[string]V)}
	}
	return m
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % shardCount
}

func (m *Map[V]) shard(key string) *mapShard[V] {
	return m.shards[shardIndex(key)]
}

// Load returns the value stored under key.
func (m *Map[V]) Load(key string) (V, bool) {
	s := m.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Store sets the value for key.
func (m *Map[V]) Store(key string, v V) {
	s := m.shard(key)
	s.mu.Lock()
	s.items[key] = v
	s.mu.Unlock()
}

// Delete removes key and returns the previous value.
func (m *Map[V]) Delete(key string) (V, bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return v, ok
}

// Update runs fn atomically for key. fn receives the current value (and
// whether one exists) and returns the value to keep; returning keep=false
// deletes the entry.
func (m *Map[V]) Update(key string, fn func(v V, ok bool) (next V, keep bool)) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[key]
	next, keep := fn(cur, ok)
	if keep {
		s.items[key] = next
	} else if ok {
		delete(s.items, key)
	}
}

// Range calls fn for every entry, one shard at a time. fn must not call back
// into the map. Iteration stops when fn returns false.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
