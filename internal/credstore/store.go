package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrEmptyPath indicates the file store was constructed without a path.
	ErrEmptyPath = errors.New("credential_store.empty_path")
)

// Credentials is the persisted token pair. Field names match the storage
// keys the backend's web client uses, so a shared credentials file stays
// readable by both.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Empty reports whether no access token is held.
func (credentials Credentials) Empty() bool {
	return strings.TrimSpace(credentials.AccessToken) == ""
}

// Store persists the token pair across client restarts.
type Store interface {
	Load() (Credentials, error)
	Save(credentials Credentials) error
	Clear() error
}

// FileStore keeps credentials in a JSON file. Writes are atomic (temp file
// plus rename) so a concurrent watcher never observes a torn write.
type FileStore struct {
	mutex sync.Mutex
	path  string
}

// NewFileStore constructs a FileStore at the given path.
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("credential_store.new: %w", ErrEmptyPath)
	}
	return &FileStore{path: path}, nil
}

// Path returns the backing file location.
func (store *FileStore) Path() string {
	return store.path
}

// Load reads the persisted credentials. A missing file is an empty pair,
// not an error.
func (store *FileStore) Load() (Credentials, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	payload, readErr := os.ReadFile(store.path)
	if readErr != nil {
		if errors.Is(readErr, os.ErrNotExist) {
			return Credentials{}, nil
		}
		return Credentials{}, fmt.Errorf("credential_store.read: %w", readErr)
	}
	credentials := Credentials{}
	if unmarshalErr := json.Unmarshal(payload, &credentials); unmarshalErr != nil {
		return Credentials{}, fmt.Errorf("credential_store.decode: %w", unmarshalErr)
	}
	return credentials, nil
}

// Save persists the credentials with owner-only permissions.
func (store *FileStore) Save(credentials Credentials) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if mkdirErr := os.MkdirAll(filepath.Dir(store.path), 0o700); mkdirErr != nil {
		return fmt.Errorf("credential_store.mkdir: %w", mkdirErr)
	}
	payload, marshalErr := json.Marshal(credentials)
	if marshalErr != nil {
		return fmt.Errorf("credential_store.encode: %w", marshalErr)
	}
	temporaryPath := store.path + ".tmp"
	if writeErr := os.WriteFile(temporaryPath, payload, 0o600); writeErr != nil {
		return fmt.Errorf("credential_store.write: %w", writeErr)
	}
	if renameErr := os.Rename(temporaryPath, store.path); renameErr != nil {
		_ = os.Remove(temporaryPath)
		return fmt.Errorf("credential_store.rename: %w", renameErr)
	}
	return nil
}

// Clear removes the credentials file. Clearing an absent file succeeds.
func (store *FileStore) Clear() error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if removeErr := os.Remove(store.path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		return fmt.Errorf("credential_store.remove: %w", removeErr)
	}
	return nil
}

// MemoryStore holds credentials in memory, intended for tests.
type MemoryStore struct {
	mutex       sync.Mutex
	credentials Credentials
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns the held credentials.
func (store *MemoryStore) Load() (Credentials, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.credentials, nil
}

// Save replaces the held credentials.
func (store *MemoryStore) Save(credentials Credentials) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.credentials = credentials
	return nil
}

// Clear drops the held credentials.
func (store *MemoryStore) Clear() error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.credentials = Credentials{}
	return nil
}
