package keyed

import "sync"

// Mutex hands out one lock per key. Entries are reference counted and
// removed once no goroutine holds or waits for them, so idle keys cost
// nothing.
type Mutex struct {
	shards [shardCount]*lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewMutex creates a keyed mutex.
func NewMutex() *Mutex {
	m := &Mutex{}
	for i := range m.shards {
		m.shards[i] = &lockShard{locks: make(map[string]*keyLock)}
	}
	return m
}

// Lock acquires the lock for key and returns its release function.
// Holding two keys at once is not supported.
func (m *Mutex) Lock(key string) (unlock func()) {
	s := m.shards[shardIndex(key)]

	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			s.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(s.locks, key)
			}
			s.mu.Unlock()
		})
	}
}

// held reports how many keys currently have a lock entry.
func (m *Mutex) held() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
