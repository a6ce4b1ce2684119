// CLAUDE:SUMMARY In-memory blocked-map store, scoped to one browser session.
package store

import (
	"context"
	"sync"
)

// Memory holds blocked maps in process memory. It backs the session storage
// mode: maps live exactly as long as the browser instance and Reset drops
// everything when the browser is recycled.
type Memory struct {
	mu   sync.RWMutex
	maps map[string]Map
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{maps: make(map[string]Map)}
}

// Get returns the map stored under key, or the empty map.
func (s *Memory) Get(ctx context.Context, key string) (Map, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.maps[key]; ok {
		return m.Clone(), nil
	}
	return Map{}, nil
}

// Set stores a copy of m under key. An empty map removes the key.
func (s *Memory) Set(ctx context.Context, key string, m Map) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(m) == 0 {
		delete(s.maps, key)
		return nil
	}
	s.maps[key] = m.Clone()
	return nil
}

// Update toggles one URL under the store lock and returns the new map.
func (s *Memory) Update(ctx context.Context, key, url string, blocked bool) (Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.maps[key]
	if !ok {
		m = Map{}
	}
	m.Apply(url, blocked)
	if len(m) == 0 {
		delete(s.maps, key)
	} else {
		s.maps[key] = m
	}
	return m.Clone(), nil
}

// Remove deletes the map stored under key. Missing keys are a no-op.
func (s *Memory) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.maps, key)
	return nil
}

// Keys returns all stored keys.
func (s *Memory) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.maps))
	for k := range s.maps {
		keys = append(keys, k)
	}
	return keys, nil
}

// Reset drops all maps. Called when the browser is recycled: tab IDs from
// the old instance are meaningless in the new one.
func (s *Memory) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maps = make(map[string]Map)
}
