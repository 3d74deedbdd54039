// Package keylock provides per-key mutual exclusion with automatic cleanup.
//
// The sync subsystem serializes same-process work per player id (lock
// round-trips, snapshot writes) without one global mutex. Each key gets its
// own RWMutex created on demand; reference counting removes the entry once
// the last holder releases it, so the map stays bounded by the number of
// keys currently in use.
package keylock

import (
	"sync"
)

type entry struct {
	mu   sync.RWMutex
	refs int
}

// KeyLock manages per-key read/write locks.
//
// Lock and RLock return an unlock function that MUST be called exactly once:
//
//	unlock := kl.Lock("player-uuid")
//	defer unlock()
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewKeyLock creates an empty KeyLock manager.
func NewKeyLock() *KeyLock {
	return &KeyLock{
		locks: make(map[string]*entry),
	}
}

func (kl *KeyLock) pin(key string) *entry {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	e, ok := kl.locks[key]
	if !ok {
		e = &entry{}
		kl.locks[key] = e
	}
	e.refs++
	return e
}

func (kl *KeyLock) unpin(key string) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	e, ok := kl.locks[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(kl.locks, key)
	}
}

// Lock acquires the exclusive lock for key and returns its unlock function.
func (kl *KeyLock) Lock(key string) func() {
	e := kl.pin(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		kl.unpin(key)
	}
}

// RLock acquires the shared lock for key and returns its unlock function.
func (kl *KeyLock) RLock(key string) func() {
	e := kl.pin(key)
	e.mu.RLock()
	return func() {
		e.mu.RUnlock()
		kl.unpin(key)
	}
}

// Len returns the number of keys currently held or waited on.
func (kl *KeyLock) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.locks)
}
