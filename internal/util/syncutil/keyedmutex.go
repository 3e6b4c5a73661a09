// Package syncutil provides the keyed locking the orchestrator uses to
// serialise mutations per entity instead of behind one global lock.
package syncutil

import "sync"

// KeyedMutex hands out one mutex per string key. Mutexes are never released;
// the key space (accounts, sessions, flows) is small and long-lived.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
