package keyed

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_UpdateCreatesAndDeletes(t *testing.T) {
	m := NewMap[int]()

	m.Update("a", func(v int, ok bool) (int, bool) {
		assert.False(t, ok)
		return 1, true
	})
	v, ok := m.Load("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	m.Update("a", func(v int, ok bool) (int, bool) {
		return 0, false
	})
	_, ok = m.Load("a")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestMap_ConcurrentIncrementsAreAtomic(t *testing.T) {
	m := NewMap[int]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Update("counter", func(v int, _ bool) (int, bool) { return v + 1, true })
			}
		}()
	}
	wg.Wait()

	v, _ := m.Load("counter")
	assert.Equal(t, 5000, v)
}

func TestMap_RangeStopsEarly(t *testing.T) {
	m := NewMap[string]()
	m.Store("a", "1")
	m.Store("b", "2")
	m.Store("c", "3")

	seen := 0
	m.Range(func(string, string) bool {
		seen++
		return false
	})
	assert.Equal(t, 1, seen)
}

func TestMutex_DifferentKeysDoNotBlock(t *testing.T) {
	m := NewMutex()

	unlockA := m.Lock("org-a:+15550000001")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := m.Lock("org-a:+15550000002")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on an unrelated key blocked")
	}
}

func TestMutex_SameKeySerializes(t *testing.T) {
	m := NewMutex()

	unlock := m.Lock("k")
	acquired := make(chan struct{})
	go func() {
		u := m.Lock("k")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the key")
	}
}

func TestMutex_EntriesReleased(t *testing.T) {
	m := NewMutex()
	unlock := m.Lock("k")
	assert.Equal(t, 1, m.held())
	unlock()
	unlock() // second call is a no-op
	assert.Equal(t, 0, m.held())
}
