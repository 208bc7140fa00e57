// Package history keeps a local record of generated problem sets so past
// generations survive restarts and can be re-exported without the backend.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/probgenlabs/probgen/internal/problems"
)

var (
	ErrNotFound  = errors.New("history_store.not_found")
	ErrEmptyPath = errors.New("history_store.empty_path")
	ErrNoUser    = errors.New("history_store.no_user")
)

var bktProblemSets = []byte("problem_sets")

// Record is one stored generation.
type Record struct {
	ID          string             `json:"id"`
	UserID      string             `json:"userId"`
	DownloadKey string             `json:"downloadKey"`
	Problems    []problems.Problem `json:"problems"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// Store is a wrapper around bolt.DB.
type Store struct {
	db        *bolt.DB
	closeFunc func() error
}

// NewStore opens (or creates) the history database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history_store.open: %w", ErrEmptyPath)
	}
	db, openErr := bolt.Open(path, 0600, nil)
	if openErr != nil {
		return nil, fmt.Errorf("history_store.open: %w", openErr)
	}
	return &Store{db: db, closeFunc: db.Close}, nil
}

// NewTempStore opens a throwaway database that is removed on Close.
func NewTempStore() (*Store, error) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("probgen-history-%s.db", uuid.New().String()))
	store, openErr := NewStore(path)
	if openErr != nil {
		return nil, openErr
	}
	originalCloseFunc := store.closeFunc
	store.closeFunc = func() error {
		if closeErr := originalCloseFunc(); closeErr != nil {
			return closeErr
		}
		return os.Remove(path)
	}
	return store, nil
}

// Close closes the store.
func (store *Store) Close() error {
	return store.closeFunc()
}

// Save records a generation for userID and returns the record's id.
func (store *Store) Save(userID string, result problems.GenerateResult) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("history_store.save: %w", ErrNoUser)
	}
	record := Record{
		ID:          uuid.New().String(),
		UserID:      userID,
		DownloadKey: result.DownloadKey,
		Problems:    result.Problems,
		CreatedAt:   time.Now().UTC(),
	}
	updateErr := store.db.Update(func(tx *bolt.Tx) error {
		bucket, bucketErr := tx.CreateBucketIfNotExists(bktProblemSets)
		if bucketErr != nil {
			return bucketErr
		}
		payload, marshalErr := json.Marshal(record)
		if marshalErr != nil {
			return marshalErr
		}
		return bucket.Put([]byte(record.ID), payload)
	})
	if updateErr != nil {
		return "", fmt.Errorf("history_store.save: %w", updateErr)
	}
	return record.ID, nil
}

// List returns userID's records, newest first.
func (store *Store) List(userID string) ([]Record, error) {
	if userID == "" {
		return nil, fmt.Errorf("history_store.list: %w", ErrNoUser)
	}
	records := []Record{}
	viewErr := store.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bktProblemSets)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, payload []byte) error {
			record := Record{}
			if unmarshalErr := json.Unmarshal(payload, &record); unmarshalErr != nil {
				return unmarshalErr
			}
			if record.UserID == userID {
				records = append(records, record)
			}
			return nil
		})
	})
	if viewErr != nil {
		return nil, fmt.Errorf("history_store.list: %w", viewErr)
	}
	sort.Slice(records, func(left, right int) bool {
		return records[left].CreatedAt.After(records[right].CreatedAt)
	})
	return records, nil
}

// Get returns one record by id.
func (store *Store) Get(recordID string) (Record, error) {
	record := Record{}
	viewErr := store.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bktProblemSets)
		if bucket == nil {
			return ErrNotFound
		}
		payload := bucket.Get([]byte(recordID))
		if payload == nil {
			return ErrNotFound
		}
		return json.Unmarshal(payload, &record)
	})
	if viewErr != nil {
		return Record{}, fmt.Errorf("history_store.get: %w", viewErr)
	}
	return record, nil
}

// Delete removes one record. Deleting an absent record is not an error.
func (store *Store) Delete(recordID string) error {
	updateErr := store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bktProblemSets)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(recordID))
	})
	if updateErr != nil {
		return fmt.Errorf("history_store.delete: %w", updateErr)
	}
	return nil
}
