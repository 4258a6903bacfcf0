package cache

import (
	"context"
	"sync"
	"time"

	"kasirpoin/backend/internal/domain"
)

// CartStore persists cart sessions so a terminal survives reloads.
type CartStore interface {
	Get(ctx context.Context, id string) (*domain.CartSession, bool, error)
	Set(ctx context.Context, session domain.CartSession, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

type memoryEntry struct {
	session   domain.CartSession
	expiresAt time.Time
}

// MemoryCartStore is used when Redis is not configured.
type MemoryCartStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCartStore() *MemoryCartStore {
	return &MemoryCartStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCartStore) Get(_ context.Context, id string) (*domain.CartSession, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		delete(c.entries, id)
		return nil, false, nil
	}
	session := entry.session
	session.Items = append([]domain.CartLine(nil), entry.session.Items...)
	return &session, true, nil
}

func (c *MemoryCartStore) Set(_ context.Context, session domain.CartSession, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := memoryEntry{session: session}
	entry.session.Items = append([]domain.CartLine(nil), session.Items...)
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.entries[session.ID] = entry
	return nil
}

func (c *MemoryCartStore) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	return nil
}
