package cache

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
)

type memoryItem struct {
	value     string
	expiresAt time.Time
}

// Memory is a process-local Service.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryItem
	clock quartz.Clock
}

// NewMemory returns a process-local cache. Expired entries are dropped lazily
// on read and in bulk by Purge.
func NewMemory(clock quartz.Clock) *Memory {
	return &Memory{
		items: make(map[string]memoryItem),
		clock: clock,
	}
}

func (s *Memory) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	if !ok {
		return "", false, nil
	}
	if !item.expiresAt.IsZero() && !s.clock.Now().Before(item.expiresAt) {
		delete(s.items, key)
		return "", false, nil
	}
	return item.value, true, nil
}

func (s *Memory) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := memoryItem{value: value}
	if ttl > 0 {
		item.expiresAt = s.clock.Now().Add(ttl)
	}
	s.items[key] = item
	return nil
}

func (s *Memory) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.items, k)
	}
	return nil
}

// Purge removes every expired entry and returns how many were dropped.
func (s *Memory) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	n := 0
	for k, item := range s.items {
		if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
			delete(s.items, k)
			n++
		}
	}
	return n
}
