package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Memory is a Storage that lives as long as the process. It backs tests and agents started with
// -storage_backend=memory.
type Memory struct { // Implements Storage.
	mux    sync.RWMutex
	stores map[string]*memoryStore
	order  []string // Store names in creation order.
	now    func() time.Time
}

var _ Storage = (*Memory)(nil)

// NewMemory returns an empty in-memory Storage.
func NewMemory() *Memory {
	return &Memory{stores: make(map[string]*memoryStore), now: time.Now}
}

func (m *Memory) Open(_ context.Context, name string) (Store, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	m.mux.Lock()
	defer m.mux.Unlock()

	if store, exists := m.stores[name]; exists {
		return store, nil
	}
	store := &memoryStore{name: name, entries: make(map[string]Entry), now: m.now}
	m.stores[name] = store
	m.order = append(m.order, name)
	return store, nil
}

func (m *Memory) Names(context.Context) ([]string, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return slices.Clone(m.order), nil
}

func (m *Memory) Delete(_ context.Context, name string) (bool, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	store, exists := m.stores[name]
	if !exists {
		return false, nil
	}
	store.markDeleted()
	delete(m.stores, name)
	m.order = slices.DeleteFunc(m.order, func(n string) bool { return n == name })
	return true, nil
}

func (m *Memory) MarkInstalled(_ context.Context, name string) error {
	m.mux.RLock()
	store, exists := m.stores[name]
	m.mux.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, name)
	}
	store.mux.Lock()
	defer store.mux.Unlock()
	if store.deleted {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, name)
	}
	store.installed = true
	return nil
}

func (m *Memory) Installed(_ context.Context, name string) (bool, error) {
	m.mux.RLock()
	store, exists := m.stores[name]
	m.mux.RUnlock()
	if !exists {
		return false, nil
	}
	store.mux.RLock()
	defer store.mux.RUnlock()
	return store.installed, nil
}

func (m *Memory) Close() error {
	return nil
}

// memoryStore holds the entries of one named store.
type memoryStore struct { // Implements Store.
	name    string
	mux     sync.RWMutex
	entries map[ /*RequestKey.String()*/ string]Entry
	deleted   bool
	installed bool
	now       func() time.Time
}

func (s *memoryStore) Name() string {
	return s.name
}

func (s *memoryStore) markDeleted() {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.deleted = true
	s.entries = nil
}

// putLocked stores a private copy of the response. NOTE: Caller should acquire lock.
func (s *memoryStore) putLocked(key RequestKey, resp *Response) {
	stored := resp.Clone()
	stored.StoredAt = s.now()
	s.entries[key.String()] = Entry{Key: key, Response: stored}
}

func (s *memoryStore) Put(_ context.Context, key RequestKey, resp *Response) error {
	if resp == nil {
		return fmt.Errorf("nil response for %s", key)
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.deleted {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, s.name)
	}
	s.putLocked(key, resp)
	return nil
}

func (s *memoryStore) PutAll(_ context.Context, entries []Entry) error {
	for _, entry := range entries { // Validate everything before writing anything.
		if entry.Response == nil {
			return fmt.Errorf("nil response for %s", entry.Key)
		}
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.deleted {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, s.name)
	}
	for _, entry := range entries {
		s.putLocked(entry.Key, entry.Response)
	}
	return nil
}

func (s *memoryStore) Match(_ context.Context, key RequestKey) (*Response, bool, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	if s.deleted {
		return nil, false, fmt.Errorf("%w: %s", ErrStoreNotFound, s.name)
	}
	entry, found := s.entries[key.String()]
	if !found {
		return nil, false, nil
	}
	return entry.Response.Clone(), true, nil
}

func (s *memoryStore) Keys(context.Context) ([]RequestKey, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	if s.deleted {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, s.name)
	}
	keys := make([]RequestKey, 0, len(s.entries))
	for _, entry := range s.entries {
		keys = append(keys, entry.Key)
	}
	slices.SortFunc(keys, compareKeys)
	return keys, nil
}
