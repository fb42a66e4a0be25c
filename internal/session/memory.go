package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory with a per-user index.
type MemoryStore struct {
	mu     sync.RWMutex
	byKey  map[string]Record
	byUser map[string]map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:  make(map[string]Record),
		byUser: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(rec)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byKey[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) CompareAndSwapExpiry(_ context.Context, key string, prev, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byKey[key]
	if !ok {
		return false, ErrNotFound
	}
	if !rec.ExpiresAt.Equal(prev) {
		return false, nil
	}
	rec.ExpiresAt = next
	s.byKey[key] = rec
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(key)
	return nil
}

func (s *MemoryStore) Swap(_ context.Context, oldKey string, next Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[oldKey]; !ok {
		return ErrNotFound
	}
	s.remove(oldKey)
	s.put(next)
	return nil
}

func (s *MemoryStore) DeleteByUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.byUser[userID]
	n := len(keys)
	for key := range keys {
		delete(s.byKey, key)
	}
	delete(s.byUser, userID)
	return n, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for key, rec := range s.byKey {
		if !now.Before(rec.ExpiresAt) {
			s.remove(key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) put(rec Record) {
	s.byKey[rec.Key] = rec
	keys, ok := s.byUser[rec.UserID]
	if !ok {
		keys = make(map[string]struct{})
		s.byUser[rec.UserID] = keys
	}
	keys[rec.Key] = struct{}{}
}

func (s *MemoryStore) remove(key string) {
	rec, ok := s.byKey[key]
	if !ok {
		return
	}
	delete(s.byKey, key)
	if keys, ok := s.byUser[rec.UserID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(s.byUser, rec.UserID)
		}
	}
}
