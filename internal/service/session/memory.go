package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type (
	// MemoryKV is an in-process KV with TTLs enforced by a periodic
	// sweep rather than on every read. Memory stays bounded without
	// adding latency to the validate hot path.
	MemoryKV struct {
		mu      sync.Mutex
		entries map[string]memEntry
		now     func() time.Time
	}

	memEntry struct {
		value     string
		expiresAt time.Time
	}
)

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

func (m *MemoryKV) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("memory kv stores strings, got %T", value)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: str, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryKV) Lookup(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryKV) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Sweep removes entries past their TTL and returns how many it dropped.
func (m *MemoryKV) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (m *MemoryKV) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Sweep()
			}
		}
	}()
}
