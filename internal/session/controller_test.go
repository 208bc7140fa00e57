package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"

	"github.com/probgenlabs/probgen/internal/credstore"
	"github.com/probgenlabs/probgen/internal/profilecache"
)

type adjustableClock struct {
	mutex     sync.Mutex
	timestamp time.Time
}

func (clock *adjustableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.timestamp
}

func (clock *adjustableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.timestamp = clock.timestamp.Add(duration)
}

type recordingHeader struct {
	mutex sync.Mutex
	value string
}

func (header *recordingHeader) SetBearerToken(accessToken string) {
	header.mutex.Lock()
	defer header.mutex.Unlock()
	header.value = "Bearer " + accessToken
}

func (header *recordingHeader) ClearBearerToken() {
	header.mutex.Lock()
	defer header.mutex.Unlock()
	header.value = ""
}

func (header *recordingHeader) Value() string {
	header.mutex.Lock()
	defer header.mutex.Unlock()
	return header.value
}

type testHarness struct {
	controller *Controller
	store      *credstore.MemoryStore
	cacheStore *profilecache.MemoryStore
	header     *recordingHeader
	clock      *adjustableClock
	fetches    *atomic.Int64
}

func newHarness(t *testing.T, pollInterval time.Duration) *testHarness {
	t.Helper()

	clock := &adjustableClock{timestamp: time.Unix(1700000000, 0).UTC()}
	cacheStore := profilecache.NewMemoryStore()
	var fetches atomic.Int64
	cache, cacheErr := profilecache.New(profilecache.Config{
		Store: cacheStore,
		Fetch: func(ctx context.Context, userID string) (profilecache.Profile, error) {
			fetches.Add(1)
			return profilecache.Profile{UserID: userID, Nickname: "user-" + userID, FreeCount: 3}, nil
		},
		Clock: clock,
	})
	if cacheErr != nil {
		t.Fatalf("build cache: %v", cacheErr)
	}

	store := credstore.NewMemoryStore()
	header := &recordingHeader{}
	controller, controllerErr := NewController(Config{
		Store:        store,
		Cache:        cache,
		Header:       header,
		PollInterval: pollInterval,
		Clock:        clock,
		Logger:       zaptest.NewLogger(t),
	})
	if controllerErr != nil {
		t.Fatalf("build controller: %v", controllerErr)
	}
	return &testHarness{
		controller: controller,
		store:      store,
		cacheStore: cacheStore,
		header:     header,
		clock:      clock,
		fetches:    &fetches,
	}
}

func mintToken(t *testing.T, userID string, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"aud": userID,
		"exp": expiresAt.Unix(),
	})
	signed, signErr := token.SignedString([]byte("test-signing-key"))
	if signErr != nil {
		t.Fatalf("sign token: %v", signErr)
	}
	return signed
}

func TestNewControllerValidatesConfiguration(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, time.Minute)
	cache := harness.controller.cache

	if _, err := NewController(Config{Cache: cache, Header: &recordingHeader{}}); err == nil {
		t.Fatalf("expected error without store")
	}
	if _, err := NewController(Config{Store: credstore.NewMemoryStore(), Header: &recordingHeader{}}); err == nil {
		t.Fatalf("expected error without cache")
	}
	if _, err := NewController(Config{Store: credstore.NewMemoryStore(), Cache: cache}); err == nil {
		t.Fatalf("expected error without header")
	}
}

func TestRecheckWithEmptyStorageStaysAnonymous(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, time.Minute)
	harness.controller.Recheck(context.Background())

	if state := harness.controller.State(); state != StateAnonymous {
		t.Fatalf("expected anonymous, got %s", state)
	}
	if harness.controller.TokenPresent() {
		t.Fatalf("expected no token present")
	}
	if harness.fetches.Load() != 0 {
		t.Fatalf("anonymous recheck must not fetch, got %d", harness.fetches.Load())
	}
}

func TestRecheckWithUndecodableTokenStaysAnonymous(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, time.Minute)
	_ = harness.store.Save(credstore.Credentials{AccessToken: "garbage-token"})
	harness.controller.Recheck(context.Background())

	if state := harness.controller.State(); state != StateAnonymous {
		t.Fatalf("expected anonymous for undecodable token, got %s", state)
	}
}

func TestAdoptTokensEstablishesSession(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, time.Minute)
	accessToken := mintToken(t, "1", harness.clock.Now().Add(time.Hour))

	if adoptErr := harness.controller.AdoptTokens(context.Background(), accessToken, "refresh-1"); adoptErr != nil {
		t.Fatalf("adopt: %v", adoptErr)
	}

	credentials, _ := harness.store.Load()
	if credentials.AccessToken != accessToken || credentials.RefreshToken != "refresh-1" {
		t.Fatalf("expected persisted tokens, got %+v", credentials)
	}
	if harness.header.Value() != "Bearer "+accessToken {
		t.Fatalf("expected bearer header, got %q", harness.header.Value())
	}
	if state := harness.controller.State(); state != StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", state)
	}
	profile, loaded := harness.controller.CurrentUser()
	if !loaded || profile.UserID != "1" {
		t.Fatalf("expected loaded profile for user 1, got %+v loaded=%v", profile, loaded)
	}
	if _, found, _ := harness.cacheStore.Load(context.Background(), "1"); !found {
		t.Fatalf("expected warmed cache entry for user 1")
	}
}

func TestAdoptTokensPersistsBeforeBroadcast(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, time.Minute)
	signals := harness.controller.broadcast.Subscribe()
	accessToken := mintToken(t, "1", harness.clock.Now().Add(time.Hour))

	if adoptErr := harness.controller.AdoptTokens(context.Background(), accessToken, "refresh-1"); adoptErr != nil {
		t.Fatalf("adopt: %v", adoptErr)
	}

	select {
	case <-signals:
	default:
		t.Fatalf("expected broadcast after adopt")
	}
	credentials, _ := harness.store.Load()
	if credentials.AccessToken != accessToken {
		t.Fatalf("broadcast observed before tokens were persisted")
	}
}

func TestRedundantRechecksFetchProfileOnce(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, time.Minute)
	accessToken := mintToken(t, "1", harness.clock.Now().Add(time.Hour))
	_ = harness.store.Save(credstore.Credentials{AccessToken: accessToken})

	for i := 0; i < 10; i++ {
		harness.controller.Recheck(context.Background())
	}

	if harness.fetches.Load() != 1 {
		t.Fatalf("expected one profile fetch across redundant rechecks, got %d", harness.fetches.Load())
	}
	if state := harness.controller.State(); state != StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", state)
	}
}

func TestLogoutClearsEverything(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, time.Minute)
	accessToken := mintToken(t, "1", harness.clock.Now().Add(time.Hour))
	if adoptErr := harness.controller.AdoptTokens(context.Background(), accessToken, "refresh-1"); adoptErr != nil {
		t.Fatalf("adopt: %v", adoptErr)
	}

	harness.controller.Logout(context.Background())

	credentials, _ := harness.store.Load()
	if !credentials.Empty() || credentials.RefreshToken != "" {
		t.Fatalf("expected cleared credentials, got %+v", credentials)
	}
	if harness.header.Value() != "" {
		t.Fatalf("expected cleared header, got %q", harness.header.Value())
	}
	if harness.cacheStore.Len() != 0 {
		t.Fatalf("expected evicted cache, got %d entries", harness.cacheStore.Len())
	}
	if state := harness.controller.State(); state != StateAnonymous {
		t.Fatalf("expected anonymous, got %s", state)
	}
}

func TestExpiryDetectedWithinOnePollInterval(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, 20*time.Millisecond)
	accessToken := mintToken(t, "1", harness.clock.Now().Add(time.Minute))
	_ = harness.store.Save(credstore.Credentials{AccessToken: accessToken, RefreshToken: "refresh-1"})

	var sawExpired atomic.Bool
	harness.controller.OnChange(func(state State) {
		if state == StateExpired {
			sawExpired.Store(true)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go harness.controller.Run(ctx)

	waitFor(t, func() bool { return harness.controller.State() == StateAuthenticated })

	harness.clock.Advance(2 * time.Minute)

	waitFor(t, func() bool { return harness.controller.State() == StateAnonymous })
	if !sawExpired.Load() {
		t.Fatalf("expected an expired transition before anonymous")
	}
	credentials, _ := harness.store.Load()
	if !credentials.Empty() || credentials.RefreshToken != "" {
		t.Fatalf("expected both tokens cleared on expiry, got %+v", credentials)
	}
	if harness.header.Value() != "" {
		t.Fatalf("expected cleared header on expiry, got %q", harness.header.Value())
	}
}

func TestTokenRemovalSignalTransitionsToAnonymous(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, time.Hour)
	accessToken := mintToken(t, "1", harness.clock.Now().Add(time.Hour))
	_ = harness.store.Save(credstore.Credentials{AccessToken: accessToken})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go harness.controller.Run(ctx)
	waitFor(t, func() bool { return harness.controller.State() == StateAuthenticated })

	// Another process logged out: the file disappears and a signal arrives.
	_ = harness.store.Clear()
	harness.controller.broadcast.Publish()

	waitFor(t, func() bool { return harness.controller.State() == StateAnonymous })
	if harness.cacheStore.Len() != 0 {
		t.Fatalf("expected cache evicted after external logout")
	}
}

func TestSecondUserNeverSeesFirstUsersProfile(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, time.Minute)

	tokenUserA := mintToken(t, "1", harness.clock.Now().Add(time.Hour))
	if adoptErr := harness.controller.AdoptTokens(context.Background(), tokenUserA, "refresh-a"); adoptErr != nil {
		t.Fatalf("adopt user A: %v", adoptErr)
	}
	profileA, _ := harness.controller.CurrentUser()
	if profileA.UserID != "1" {
		t.Fatalf("expected user A profile, got %+v", profileA)
	}

	harness.controller.Logout(context.Background())

	tokenUserB := mintToken(t, "2", harness.clock.Now().Add(time.Hour))
	if adoptErr := harness.controller.AdoptTokens(context.Background(), tokenUserB, "refresh-b"); adoptErr != nil {
		t.Fatalf("adopt user B: %v", adoptErr)
	}

	profileB, loaded := harness.controller.CurrentUser()
	if !loaded || profileB.UserID != "2" {
		t.Fatalf("expected user B profile, got %+v", profileB)
	}
	if _, found, _ := harness.cacheStore.Load(context.Background(), "1"); found {
		t.Fatalf("user A's cached profile must be gone after B's login")
	}
}

func TestIdentitySwitchWithoutLogoutEvictsPreviousProfile(t *testing.T) {
	t.Parallel()

	harness := newHarness(t, time.Minute)

	tokenUserA := mintToken(t, "1", harness.clock.Now().Add(time.Hour))
	if adoptErr := harness.controller.AdoptTokens(context.Background(), tokenUserA, ""); adoptErr != nil {
		t.Fatalf("adopt user A: %v", adoptErr)
	}

	// Another tab replaced the stored token directly.
	tokenUserB := mintToken(t, "2", harness.clock.Now().Add(time.Hour))
	_ = harness.store.Save(credstore.Credentials{AccessToken: tokenUserB})
	harness.controller.Recheck(context.Background())

	if userID := harness.controller.UserID(); userID != "2" {
		t.Fatalf("expected identity 2, got %q", userID)
	}
	if _, found, _ := harness.cacheStore.Load(context.Background(), "1"); found {
		t.Fatalf("previous identity's profile must be evicted on switch")
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached before deadline")
}
