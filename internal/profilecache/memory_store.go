package profilecache

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory EntryStore intended for tests and dev.
type MemoryStore struct {
	mutex   sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Load returns the entry for the given user when present.
func (store *MemoryStore) Load(ctx context.Context, userID string) (Entry, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, found := store.entries[userID]
	return entry, found, nil
}

// Store replaces the entry for the given user.
func (store *MemoryStore) Store(ctx context.Context, userID string, entry Entry) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.entries[userID] = entry
	return nil
}

// Delete removes one entry. Deleting an absent entry succeeds.
func (store *MemoryStore) Delete(ctx context.Context, userID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.entries, userID)
	return nil
}

// DeleteAll removes every entry.
func (store *MemoryStore) DeleteAll(ctx context.Context) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.entries = make(map[string]Entry)
	return nil
}

// Len reports the number of held entries.
func (store *MemoryStore) Len() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.entries)
}
