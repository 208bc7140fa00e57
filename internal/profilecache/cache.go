package profilecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNoUser indicates a cache read without a user identifier; callers
	// must guard before asking for a profile.
	ErrNoUser = errors.New("profile_cache.no_user")
	// ErrMissingFetch indicates the cache was built without a fetch function.
	ErrMissingFetch = errors.New("profile_cache.missing_fetch")
	// ErrMissingStore indicates the cache was built without an entry store.
	ErrMissingStore = errors.New("profile_cache.missing_store")
)

// DefaultStaleness is the freshness window after which a cached profile is
// eligible for a background refresh on the next read.
const DefaultStaleness = 5 * time.Minute

// Profile mirrors the backend user payload.
type Profile struct {
	UserID         string `json:"userId"`
	Email          string `json:"email"`
	Nickname       string `json:"nickname"`
	University     string `json:"university,omitempty"`
	Major          string `json:"major,omitempty"`
	FreeCount      int    `json:"freeCount"`
	RecommendCount int    `json:"recommendCount"`
	ReferralCode   string `json:"referralCode"`
}

// Entry is a cached profile with its fetch timestamp.
type Entry struct {
	Profile     Profile
	FetchedUnix int64
}

// EntryStore persists cached entries. Implementations mirror each other:
// MemoryStore for tests and the GORM-backed DatabaseStore for real runs.
type EntryStore interface {
	Load(ctx context.Context, userID string) (Entry, bool, error)
	Store(ctx context.Context, userID string, entry Entry) error
	Delete(ctx context.Context, userID string) error
	DeleteAll(ctx context.Context) error
}

// FetchFunc loads a profile from the backend.
type FetchFunc func(ctx context.Context, userID string) (Profile, error)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Config configures the Cache.
type Config struct {
	Store     EntryStore
	Fetch     FetchFunc
	Staleness time.Duration
	Clock     Clock
	Logger    *zap.Logger
}

// Cache is a read-through profile cache keyed by user id. Fresh entries are
// served directly; stale entries are served immediately while one background
// refetch runs (stale-while-revalidate); missing entries block on a fetch.
// Concurrent reads for the same user share a single underlying fetch.
type Cache struct {
	store     EntryStore
	fetch     FetchFunc
	staleness time.Duration
	clock     Clock
	logger    *zap.Logger

	mutex    sync.Mutex
	inflight map[string]chan struct{}
}

// New constructs a Cache after validating the configuration.
func New(configuration Config) (*Cache, error) {
	if configuration.Store == nil {
		return nil, fmt.Errorf("profile_cache.new: %w", ErrMissingStore)
	}
	if configuration.Fetch == nil {
		return nil, fmt.Errorf("profile_cache.new: %w", ErrMissingFetch)
	}
	staleness := configuration.Staleness
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:     configuration.Store,
		fetch:     configuration.Fetch,
		staleness: staleness,
		clock:     clock,
		logger:    logger,
		inflight:  make(map[string]chan struct{}),
	}, nil
}

// Get returns the profile for the given user.
func (cache *Cache) Get(ctx context.Context, userID string) (Profile, error) {
	if userID == "" {
		return Profile{}, fmt.Errorf("profile_cache.get: %w", ErrNoUser)
	}
	entry, found, loadErr := cache.store.Load(ctx, userID)
	if loadErr != nil {
		return Profile{}, fmt.Errorf("profile_cache.get: %w", loadErr)
	}
	now := cache.clock.Now()
	if found {
		if cache.fresh(entry, now) {
			return entry.Profile, nil
		}
		cache.refreshInBackground(userID)
		return entry.Profile, nil
	}
	return cache.fetchBlocking(ctx, userID)
}

// Put warms the cache with an externally obtained profile, stamping it fresh.
func (cache *Cache) Put(ctx context.Context, userID string, profile Profile) error {
	if userID == "" {
		return fmt.Errorf("profile_cache.put: %w", ErrNoUser)
	}
	entry := Entry{Profile: profile, FetchedUnix: cache.clock.Now().Unix()}
	if storeErr := cache.store.Store(ctx, userID, entry); storeErr != nil {
		return fmt.Errorf("profile_cache.put: %w", storeErr)
	}
	return nil
}

// Invalidate drops the entry for one user; the next Get blocks on a fetch.
func (cache *Cache) Invalidate(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	if deleteErr := cache.store.Delete(ctx, userID); deleteErr != nil {
		return fmt.Errorf("profile_cache.invalidate: %w", deleteErr)
	}
	return nil
}

// InvalidateAll drops every cached entry. The session controller calls this
// on any transition to anonymous so a later login on the same device can
// never observe the previous user's profile.
func (cache *Cache) InvalidateAll(ctx context.Context) error {
	if deleteErr := cache.store.DeleteAll(ctx); deleteErr != nil {
		return fmt.Errorf("profile_cache.invalidate_all: %w", deleteErr)
	}
	return nil
}

func (cache *Cache) fresh(entry Entry, now time.Time) bool {
	return now.Sub(time.Unix(entry.FetchedUnix, 0)) < cache.staleness
}

// fetchBlocking dedups concurrent first-time reads: the first caller fetches,
// later callers wait and then re-read the store.
func (cache *Cache) fetchBlocking(ctx context.Context, userID string) (Profile, error) {
	cache.mutex.Lock()
	if waiting, exists := cache.inflight[userID]; exists {
		cache.mutex.Unlock()
		select {
		case <-waiting:
		case <-ctx.Done():
			return Profile{}, fmt.Errorf("profile_cache.get: %w", ctx.Err())
		}
		entry, found, loadErr := cache.store.Load(ctx, userID)
		if loadErr != nil {
			return Profile{}, fmt.Errorf("profile_cache.get: %w", loadErr)
		}
		if !found {
			return Profile{}, fmt.Errorf("profile_cache.get: fetch for user %s did not populate the cache", userID)
		}
		return entry.Profile, nil
	}
	done := make(chan struct{})
	cache.inflight[userID] = done
	cache.mutex.Unlock()

	defer func() {
		cache.mutex.Lock()
		delete(cache.inflight, userID)
		cache.mutex.Unlock()
		close(done)
	}()

	profile, fetchErr := cache.fetch(ctx, userID)
	if fetchErr != nil {
		return Profile{}, fmt.Errorf("profile_cache.fetch: %w", fetchErr)
	}
	entry := Entry{Profile: profile, FetchedUnix: cache.clock.Now().Unix()}
	if storeErr := cache.store.Store(ctx, userID, entry); storeErr != nil {
		return Profile{}, fmt.Errorf("profile_cache.store: %w", storeErr)
	}
	return profile, nil
}

// refreshInBackground starts at most one refetch per user; a stale value
// keeps being served until the refetch lands.
func (cache *Cache) refreshInBackground(userID string) {
	cache.mutex.Lock()
	if _, exists := cache.inflight[userID]; exists {
		cache.mutex.Unlock()
		return
	}
	done := make(chan struct{})
	cache.inflight[userID] = done
	cache.mutex.Unlock()

	go func() {
		defer func() {
			cache.mutex.Lock()
			delete(cache.inflight, userID)
			cache.mutex.Unlock()
			close(done)
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		profile, fetchErr := cache.fetch(ctx, userID)
		if fetchErr != nil {
			cache.logger.Warn("background profile refresh failed",
				zap.String("user_id", userID),
				zap.Error(fetchErr))
			return
		}
		entry := Entry{Profile: profile, FetchedUnix: cache.clock.Now().Unix()}
		if storeErr := cache.store.Store(ctx, userID, entry); storeErr != nil {
			cache.logger.Warn("background profile store failed",
				zap.String("user_id", userID),
				zap.Error(storeErr))
		}
	}()
}
