package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/probgenlabs/probgen/internal/credstore"
	"github.com/probgenlabs/probgen/internal/profilecache"
	"github.com/probgenlabs/probgen/pkg/tokencodec"
)

// State is the controller's derived authentication state.
type State string

const (
	// StateAnonymous means no usable token is stored.
	StateAnonymous State = "anonymous"
	// StateAuthenticating means an identity was derived and the profile
	// fetch is in flight or has failed so far.
	StateAuthenticating State = "authenticating"
	// StateAuthenticated means the profile for the derived identity loaded.
	StateAuthenticated State = "authenticated"
	// StateExpired means a stored token was found past its expiry; the
	// controller cleans up eagerly and settles on StateAnonymous.
	StateExpired State = "expired"
)

var (
	// ErrMissingStore indicates the controller was built without a credential store.
	ErrMissingStore = errors.New("session.controller.missing_store")
	// ErrMissingCache indicates the controller was built without a profile cache.
	ErrMissingCache = errors.New("session.controller.missing_cache")
	// ErrMissingHeader indicates the controller was built without a bearer header target.
	ErrMissingHeader = errors.New("session.controller.missing_header")
	// ErrEmptyAccessToken indicates AdoptTokens was called without an access token.
	ErrEmptyAccessToken = errors.New("session.controller.empty_access_token")
	// ErrNotAuthenticated indicates an operation requiring an identity ran while anonymous.
	ErrNotAuthenticated = errors.New("session.controller.not_authenticated")
)

// DefaultPollInterval is how often the controller re-derives its state to
// catch token expiry between external signals.
const DefaultPollInterval = 60 * time.Second

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by the wall clock.
func NewSystemClock() Clock {
	return systemClock{}
}

// BearerHeader is the outgoing Authorization state the controller keeps
// consistent with the credential store. The API client satisfies it.
type BearerHeader interface {
	SetBearerToken(accessToken string)
	ClearBearerToken()
}

// Config configures the Controller.
type Config struct {
	Store        credstore.Store
	Cache        *profilecache.Cache
	Header       BearerHeader
	Broadcast    *credstore.Broadcast
	Notifiers    []credstore.Notifier
	PollInterval time.Duration
	Clock        Clock
	Logger       *zap.Logger
}

// Controller is the single source of truth for "which user, if any, is
// currently authenticated". It derives state from the credential store and
// token codec, reacting to external change signals and a poll tick, and is
// the only component allowed to run the session cleanup path.
type Controller struct {
	store        credstore.Store
	cache        *profilecache.Cache
	header       BearerHeader
	broadcast    *credstore.Broadcast
	notifiers    []credstore.Notifier
	pollInterval time.Duration
	clock        Clock
	logger       *zap.Logger

	mutex   sync.Mutex
	state   State
	userID  string
	profile profilecache.Profile

	changeMutex     sync.Mutex
	changeListeners []func(State)
}

// NewController constructs a Controller after validating the configuration.
func NewController(configuration Config) (*Controller, error) {
	if configuration.Store == nil {
		return nil, fmt.Errorf("session.controller.new: %w", ErrMissingStore)
	}
	if configuration.Cache == nil {
		return nil, fmt.Errorf("session.controller.new: %w", ErrMissingCache)
	}
	if configuration.Header == nil {
		return nil, fmt.Errorf("session.controller.new: %w", ErrMissingHeader)
	}
	broadcast := configuration.Broadcast
	if broadcast == nil {
		broadcast = credstore.NewBroadcast()
	}
	pollInterval := configuration.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:        configuration.Store,
		cache:        configuration.Cache,
		header:       configuration.Header,
		broadcast:    broadcast,
		notifiers:    configuration.Notifiers,
		pollInterval: pollInterval,
		clock:        clock,
		logger:       logger,
		state:        StateAnonymous,
	}, nil
}

// Run derives the initial state, then keeps re-deriving on every external
// change signal and poll tick until the context ends. All signal sources
// collapse into one pending recheck, so a burst of redundant signals costs
// one re-evaluation.
func (controller *Controller) Run(ctx context.Context) {
	merged := make(chan struct{}, 1)
	go forwardSignals(ctx, controller.broadcast.Subscribe(), merged)
	for _, notifier := range controller.notifiers {
		go forwardSignals(ctx, notifier.Subscribe(), merged)
	}

	controller.Recheck(ctx)

	ticker := time.NewTicker(controller.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-merged:
			controller.Recheck(ctx)
		case <-ticker.C:
			controller.Recheck(ctx)
		}
	}
}

func forwardSignals(ctx context.Context, source <-chan struct{}, merged chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, open := <-source:
			if !open {
				return
			}
			select {
			case merged <- struct{}{}:
			default:
			}
		}
	}
}

// Recheck re-derives the authentication state from storage. It is
// idempotent: redundant calls with unchanged storage and an already-loaded
// profile return without touching the profile cache.
func (controller *Controller) Recheck(ctx context.Context) {
	credentials, loadErr := controller.store.Load()
	if loadErr != nil {
		controller.logger.Warn("credential load failed, treating as unauthenticated", zap.Error(loadErr))
		controller.cleanup(ctx, false)
		return
	}
	claims := tokencodec.Decode(credentials.AccessToken)
	if credentials.Empty() || claims == nil {
		controller.cleanup(ctx, false)
		return
	}
	if claims.Expired(controller.clock.Now()) {
		controller.cleanup(ctx, true)
		return
	}
	userID := claims.SubjectID
	if userID == "" {
		controller.cleanup(ctx, false)
		return
	}
	// Keep the outgoing header in sync with storage even when the token was
	// written by another process; same-user refreshes land here too.
	controller.header.SetBearerToken(credentials.AccessToken)

	controller.mutex.Lock()
	if controller.userID == userID && controller.state == StateAuthenticated {
		controller.mutex.Unlock()
		return
	}
	identitySwitched := controller.userID != "" && controller.userID != userID
	controller.userID = userID
	controller.state = StateAuthenticating
	controller.mutex.Unlock()

	if identitySwitched {
		// A different user appeared without passing through anonymous;
		// drop everything the previous identity may have cached.
		if invalidateErr := controller.cache.InvalidateAll(ctx); invalidateErr != nil {
			controller.logger.Warn("cache eviction on identity switch failed", zap.Error(invalidateErr))
		}
	}
	controller.notifyChange(StateAuthenticating)

	profile, fetchErr := controller.cache.Get(ctx, userID)
	if fetchErr != nil {
		controller.logger.Warn("profile fetch failed",
			zap.String("user_id", userID),
			zap.Error(fetchErr))
		return
	}

	controller.mutex.Lock()
	if controller.userID != userID {
		controller.mutex.Unlock()
		return
	}
	controller.profile = profile
	controller.state = StateAuthenticated
	controller.mutex.Unlock()
	controller.notifyChange(StateAuthenticated)
}

// AdoptTokens installs a freshly obtained token pair: persist first, then
// set the bearer header, then broadcast the change, then resolve the new
// identity and warm its profile. Storage write happens-before the broadcast
// so every listener reacting to the signal observes the new token.
func (controller *Controller) AdoptTokens(ctx context.Context, accessToken string, refreshToken string) error {
	if strings.TrimSpace(accessToken) == "" {
		return fmt.Errorf("session.controller.adopt: %w", ErrEmptyAccessToken)
	}
	if saveErr := controller.store.Save(credstore.Credentials{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}); saveErr != nil {
		return fmt.Errorf("session.controller.adopt: %w", saveErr)
	}
	controller.header.SetBearerToken(accessToken)
	controller.broadcast.Publish()
	controller.Recheck(ctx)
	return nil
}

// ReloadProfile re-reads the profile for the current identity, bypassing the
// authenticated short-circuit. The account gateway calls it after a profile
// mutation so the held copy reflects the backend.
func (controller *Controller) ReloadProfile(ctx context.Context) error {
	controller.mutex.Lock()
	userID := controller.userID
	controller.mutex.Unlock()
	if userID == "" {
		return fmt.Errorf("session.controller.reload: %w", ErrNotAuthenticated)
	}
	profile, fetchErr := controller.cache.Get(ctx, userID)
	if fetchErr != nil {
		return fmt.Errorf("session.controller.reload: %w", fetchErr)
	}
	controller.mutex.Lock()
	if controller.userID == userID {
		controller.profile = profile
		controller.state = StateAuthenticated
	}
	controller.mutex.Unlock()
	return nil
}

// Logout runs the session cleanup path: tokens cleared, bearer header
// removed, every cached profile evicted. It is safe to call in any state.
func (controller *Controller) Logout(ctx context.Context) {
	controller.cleanup(ctx, false)
}

// State returns the current derived state.
func (controller *Controller) State() State {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	return controller.state
}

// UserID returns the derived user identity, or empty when anonymous.
func (controller *Controller) UserID() string {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	return controller.userID
}

// TokenPresent is the lenient authentication derivation: a decodable,
// unexpired token was found. Suitable only for redirect-style gating.
func (controller *Controller) TokenPresent() bool {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	return controller.state == StateAuthenticating || controller.state == StateAuthenticated
}

// CurrentUser is the strict derivation: the profile backing the identity
// has loaded. Screens that display user data must use this one.
func (controller *Controller) CurrentUser() (profilecache.Profile, bool) {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	if controller.state != StateAuthenticated {
		return profilecache.Profile{}, false
	}
	return controller.profile, true
}

// OnChange registers a listener invoked after every state transition.
func (controller *Controller) OnChange(listener func(State)) {
	controller.changeMutex.Lock()
	defer controller.changeMutex.Unlock()
	controller.changeListeners = append(controller.changeListeners, listener)
}

// cleanup is the single convergence point for logout, account deletion,
// token removal, poll-detected expiry, and 401 responses.
func (controller *Controller) cleanup(ctx context.Context, expired bool) {
	controller.mutex.Lock()
	alreadyAnonymous := controller.state == StateAnonymous && controller.userID == ""
	controller.userID = ""
	controller.profile = profilecache.Profile{}
	controller.state = StateAnonymous
	controller.mutex.Unlock()

	if alreadyAnonymous && !expired {
		return
	}
	if expired {
		controller.logger.Info("access token expired, clearing session")
		controller.notifyChange(StateExpired)
	}
	if clearErr := controller.store.Clear(); clearErr != nil {
		controller.logger.Warn("credential clear failed", zap.Error(clearErr))
	}
	controller.header.ClearBearerToken()
	if invalidateErr := controller.cache.InvalidateAll(ctx); invalidateErr != nil {
		controller.logger.Warn("profile cache eviction failed", zap.Error(invalidateErr))
	}
	controller.broadcast.Publish()
	controller.notifyChange(StateAnonymous)
}

func (controller *Controller) notifyChange(state State) {
	controller.changeMutex.Lock()
	listeners := make([]func(State), len(controller.changeListeners))
	copy(listeners, controller.changeListeners)
	controller.changeMutex.Unlock()
	for _, listener := range listeners {
		listener(state)
	}
}
