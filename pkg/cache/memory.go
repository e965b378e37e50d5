package cache

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// MemoryStorage keeps partitions in process memory.
type MemoryStorage struct {
	mu         sync.RWMutex
	order      []string
	partitions map[string]*memoryPartition
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		partitions: make(map[string]*memoryPartition),
	}
}

// Open returns the named partition, creating it if needed.
func (s *MemoryStorage) Open(_ context.Context, name string) (Partition, error) {
	if name == "" {
		return nil, fmt.Errorf("partition name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.partitions[name]; ok {
		return p, nil
	}
	p := &memoryPartition{
		name:    name,
		entries: make(map[string]*Entry),
	}
	s.partitions[name] = p
	s.order = append(s.order, name)
	return p, nil
}

// Has reports whether the named partition exists.
func (s *MemoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.partitions[name]
	return ok, nil
}

// Delete removes the named partition.
func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.partitions[name]; !ok {
		return false, nil
	}
	delete(s.partitions, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// Names lists partitions in creation order.
func (s *MemoryStorage) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

type memoryPartition struct {
	name    string
	mu      sync.RWMutex
	keys    []string
	entries map[string]*Entry
}

func (p *memoryPartition) Name() string {
	return p.name
}

func (p *memoryPartition) Match(_ context.Context, req *http.Request) (*Entry, error) {
	key := KeyFor(req).String()

	p.mu.RLock()
	entry, ok := p.entries[key]
	p.mu.RUnlock()

	if !ok || !entry.MatchesVary(req) {
		return nil, ErrCacheMiss
	}
	return entry.Clone(), nil
}

func (p *memoryPartition) Put(_ context.Context, req *http.Request, entry *Entry) error {
	stored, err := prepareEntry(req, entry)
	if err != nil {
		return err
	}
	key := KeyFor(req).String()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[key]; ok {
		p.removeKey(key)
	}
	p.entries[key] = stored
	p.keys = append(p.keys, key)
	return nil
}

func (p *memoryPartition) Delete(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[key]; !ok {
		return false, nil
	}
	delete(p.entries, key)
	p.removeKey(key)
	return true, nil
}

func (p *memoryPartition) Keys(_ context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.keys...), nil
}

func (p *memoryPartition) Len(_ context.Context) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries), nil
}

// removeKey drops key from the insertion order. Callers hold p.mu.
func (p *memoryPartition) removeKey(key string) {
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			return
		}
	}
}
