package funnel

import "sync"

type refMutex struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex serializes work per string key. Idle keys are dropped, so the
// map only holds keys that are locked or waited on.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*refMutex)}
}

func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
}

func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		k.mu.Unlock()
		panic("funnel: unlock of unlocked key " + key)
	}
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	l.mu.Unlock()
}

// Len is the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
