package utils

import (
	"fmt"
	"sync"
)

type keyedMutex struct {
	mu      sync.Mutex
	waiters int
}

// MutexMap serializes work per key. Keys are dropped once nobody holds or
// waits on them, and at most maxSize keys can be live at once.
type MutexMap struct {
	edit    sync.Mutex
	mutexes map[string]*keyedMutex
	maxSize int
}

func NewMutexMap(maxSize int) *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*keyedMutex),
		maxSize: maxSize,
	}
}

func (m *MutexMap) Lock(key string) error {
	m.edit.Lock()

	km := m.mutexes[key]
	if km == nil {
		if len(m.mutexes) >= m.maxSize {
			m.edit.Unlock()
			return fmt.Errorf("cannot lock %s: max size %d reached", key, m.maxSize)
		}
		km = &keyedMutex{}
		m.mutexes[key] = km
	}
	km.waiters++

	m.edit.Unlock()

	km.mu.Lock()
	return nil
}

func (m *MutexMap) Unlock(key string) error {
	m.edit.Lock()
	defer m.edit.Unlock()

	km := m.mutexes[key]
	if km == nil {
		return fmt.Errorf("key %s not found", key)
	}

	km.mu.Unlock()
	km.waiters--
	if km.waiters == 0 {
		delete(m.mutexes, key)
	}
	return nil
}

// With runs fn while holding the lock for key.
func (m *MutexMap) With(key string, fn func() error) error {
	if err := m.Lock(key); err != nil {
		return err
	}
	defer m.Unlock(key)

	return fn()
}
