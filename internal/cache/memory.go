package cache

import (
	"context"
	"sync"
	"time"

	"turntable/internal/apperr"
)

// Store is a device-local key-value store of track blobs keyed by track id.
// Writes to the same id are not merged: the later commit wins.
type Store interface {
	GetTrack(ctx context.Context, trackID string) ([]byte, bool, error)
	PutTrack(ctx context.Context, trackID string, data []byte) error
	DeleteTrack(ctx context.Context, trackID string) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats summarizes the contents of a store
type Stats struct {
	Entries  int   `json:"entries"`
	Bytes    int64 `json:"bytes"`
	MaxBytes int64 `json:"maxBytes"`
}

// CacheEntry represents a cached track blob
type CacheEntry struct {
	Data      []byte
	UpdatedAt time.Time
}

// MemoryStore keeps blobs in process memory. Contents do not survive restarts.
type MemoryStore struct {
	items    map[string]*CacheEntry
	mutex    sync.RWMutex
	size     int64
	maxBytes int64
}

// NewMemoryStore creates a memory store. maxBytes <= 0 disables the quota.
func NewMemoryStore(maxBytes int64) *MemoryStore {
	return &MemoryStore{
		items:    make(map[string]*CacheEntry),
		maxBytes: maxBytes,
	}
}

// GetTrack retrieves a copy of the blob stored for trackID
func (c *MemoryStore) GetTrack(ctx context.Context, trackID string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, apperr.Storage("get", trackID, err)
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.items[trackID]
	if !exists {
		return nil, false, nil
	}

	data := make([]byte, len(entry.Data))
	copy(data, entry.Data)
	return data, true, nil
}

// PutTrack stores a copy of data under trackID
func (c *MemoryStore) PutTrack(ctx context.Context, trackID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return apperr.Storage("put", trackID, err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	var previous int64
	if old, exists := c.items[trackID]; exists {
		previous = int64(len(old.Data))
	}

	newSize := c.size - previous + int64(len(data))
	if c.maxBytes > 0 && newSize > c.maxBytes {
		return apperr.Storage("put", trackID, apperr.ErrQuotaExceeded)
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	c.items[trackID] = &CacheEntry{
		Data:      stored,
		UpdatedAt: time.Now(),
	}
	c.size = newSize
	return nil
}

// DeleteTrack removes the blob stored for trackID
func (c *MemoryStore) DeleteTrack(ctx context.Context, trackID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if entry, exists := c.items[trackID]; exists {
		c.size -= int64(len(entry.Data))
		delete(c.items, trackID)
	}
	return nil
}

// Clear removes all blobs
func (c *MemoryStore) Clear(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items = make(map[string]*CacheEntry)
	c.size = 0
	return nil
}

// Stats returns the number of entries and stored bytes
func (c *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return Stats{Entries: len(c.items), Bytes: c.size, MaxBytes: c.maxBytes}, nil
}

// Close is a no-op for the memory store
func (c *MemoryStore) Close() error {
	return nil
}
