package autonomy

import (
	"sort"
	"sync"
	"time"
)

// StateStore holds per-key state. Update runs fn with exclusive access to one
// key; different keys never block each other.
type StateStore interface {
	Update(key Key, fn func(st *KeyState))
	View(key Key, fn func(st *KeyState)) bool
	Keys() []Key
}

type keyEntry struct {
	mu    sync.RWMutex
	state KeyState
}

// MemoryStateStore is the in-process StateStore. New keys start at OBSERVE.
type MemoryStateStore struct {
	mu      sync.RWMutex
	entries map[Key]*keyEntry
	now     func() time.Time
}

// NewMemoryStateStore creates an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		entries: make(map[Key]*keyEntry),
		now:     time.Now,
	}
}

// WithClock overrides the clock used to stamp new keys.
func (s *MemoryStateStore) WithClock(now func() time.Time) *MemoryStateStore {
	s.now = now
	return s
}

func (s *MemoryStateStore) entry(key Key, create bool) *keyEntry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok || !create {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; ok {
		return e
	}
	e = &keyEntry{state: KeyState{
		Level: LevelObserve,
		Since: s.now(),
	}}
	s.entries[key] = e
	return e
}

// Update implements StateStore.
func (s *MemoryStateStore) Update(key Key, fn func(st *KeyState)) {
	e := s.entry(key, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.state)
}

// View implements StateStore. It reports false for unknown keys.
func (s *MemoryStateStore) View(key Key, fn func(st *KeyState)) bool {
	e := s.entry(key, false)
	if e == nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn(&e.state)
	return true
}

// Keys implements StateStore.
func (s *MemoryStateStore) Keys() []Key {
	s.mu.RLock()
	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].TenantID != keys[j].TenantID {
			return keys[i].TenantID < keys[j].TenantID
		}
		return keys[i].ActionType < keys[j].ActionType
	})
	return keys
}
