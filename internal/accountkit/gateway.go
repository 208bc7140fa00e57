package accountkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/probgenlabs/probgen/internal/apiclient"
	"github.com/probgenlabs/probgen/internal/profilecache"
	"github.com/probgenlabs/probgen/internal/session"
)

var (
	// ErrMissingClient indicates the gateway was built without an API client.
	ErrMissingClient = errors.New("account_gateway.missing_client")
	// ErrMissingController indicates the gateway was built without a session controller.
	ErrMissingController = errors.New("account_gateway.missing_controller")
	// ErrMissingCache indicates the gateway was built without a profile cache.
	ErrMissingCache = errors.New("account_gateway.missing_cache")
	// ErrMissingTokens indicates a login succeeded without returning a usable token pair.
	ErrMissingTokens = errors.New("account_gateway.missing_tokens")
	// ErrNotAuthenticated indicates an account operation ran without a session.
	ErrNotAuthenticated = errors.New("account_gateway.not_authenticated")
)

// LoginRequest is the credential pair for password login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenData is the backend's login payload.
type TokenData struct {
	GrantType    string `json:"grantType"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// RegisterRequest is the signup payload.
type RegisterRequest struct {
	Email          string `json:"email"`
	Nickname       string `json:"nickname"`
	Password       string `json:"password"`
	University     string `json:"university,omitempty"`
	Major          string `json:"major,omitempty"`
	FreeCount      int    `json:"freeCount"`
	RecommendCount int    `json:"recommendCount"`
}

// VerifyEmailRequest confirms an emailed verification code.
type VerifyEmailRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// UpdateProfileRequest carries the editable profile fields.
type UpdateProfileRequest struct {
	Nickname   string `json:"nickname,omitempty"`
	University string `json:"university,omitempty"`
	Major      string `json:"major,omitempty"`
}

// Outcome is the backend's tagged result for a mutation.
type Outcome struct {
	Status  string
	Code    string
	Message string
}

func outcomeFrom(envelope *apiclient.Envelope) Outcome {
	if envelope == nil {
		return Outcome{}
	}
	return Outcome{
		Status:  envelope.Status,
		Code:    envelope.Code,
		Message: envelope.Message,
	}
}

// Gateway wraps the identity-mutating backend operations with consistent
// error shaping and the session/cache side effects each one requires.
type Gateway struct {
	apiClient  *apiclient.Client
	controller *session.Controller
	cache      *profilecache.Cache
	logger     *zap.Logger
}

// NewGateway constructs a Gateway after validating its collaborators.
func NewGateway(apiClient *apiclient.Client, controller *session.Controller, cache *profilecache.Cache, logger *zap.Logger) (*Gateway, error) {
	if apiClient == nil {
		return nil, fmt.Errorf("account_gateway.new: %w", ErrMissingClient)
	}
	if controller == nil {
		return nil, fmt.Errorf("account_gateway.new: %w", ErrMissingController)
	}
	if cache == nil {
		return nil, fmt.Errorf("account_gateway.new: %w", ErrMissingCache)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		apiClient:  apiClient,
		controller: controller,
		cache:      cache,
		logger:     logger,
	}, nil
}

// Login exchanges credentials for a token pair, persists it, sets the bearer
// header, broadcasts the token change, and warms the profile cache for the
// newly resolved identity.
func (gateway *Gateway) Login(ctx context.Context, request LoginRequest) (Outcome, error) {
	envelope, callErr := gateway.apiClient.DoJSON(ctx, http.MethodPost, "/api/users/login", request)
	if callErr != nil {
		return Outcome{}, callErr
	}
	tokens := TokenData{}
	if decodeErr := envelope.DecodeData(&tokens); decodeErr != nil {
		return Outcome{}, fmt.Errorf("account_gateway.login: %w", decodeErr)
	}
	if strings.TrimSpace(tokens.AccessToken) == "" || strings.TrimSpace(tokens.RefreshToken) == "" {
		return Outcome{}, fmt.Errorf("account_gateway.login: %w", ErrMissingTokens)
	}
	if adoptErr := gateway.controller.AdoptTokens(ctx, tokens.AccessToken, tokens.RefreshToken); adoptErr != nil {
		return Outcome{}, fmt.Errorf("account_gateway.login: %w", adoptErr)
	}
	gateway.logger.Info("login succeeded", zap.String("user_id", gateway.controller.UserID()))
	return outcomeFrom(envelope), nil
}

// AdoptOAuthTokens installs a token pair delivered by a provider redirect.
// The side effects match Login.
func (gateway *Gateway) AdoptOAuthTokens(ctx context.Context, accessToken string, refreshToken string) error {
	if adoptErr := gateway.controller.AdoptTokens(ctx, accessToken, refreshToken); adoptErr != nil {
		return fmt.Errorf("account_gateway.oauth_adopt: %w", adoptErr)
	}
	gateway.logger.Info("oauth tokens adopted", zap.String("user_id", gateway.controller.UserID()))
	return nil
}

// Logout notifies the backend and clears the local session. Cleanup is
// unconditional: a failed network call still ends the session.
func (gateway *Gateway) Logout(ctx context.Context) (Outcome, error) {
	envelope, callErr := gateway.apiClient.DoJSON(ctx, http.MethodPost, "/api/users/logout", nil)
	gateway.controller.Logout(ctx)
	if callErr != nil {
		gateway.logger.Warn("logout call failed, local session cleared anyway", zap.Error(callErr))
		return Outcome{}, callErr
	}
	return outcomeFrom(envelope), nil
}

// Register creates an account. It does not log in.
func (gateway *Gateway) Register(ctx context.Context, request RegisterRequest) (Outcome, error) {
	envelope, callErr := gateway.apiClient.DoJSON(ctx, http.MethodPost, "/api/users/register", request)
	if callErr != nil {
		return Outcome{}, callErr
	}
	return outcomeFrom(envelope), nil
}

// SendVerificationEmail asks the backend to email a verification code.
func (gateway *Gateway) SendVerificationEmail(ctx context.Context, email string) (Outcome, error) {
	path := "/api/users/email/send-verification?email=" + url.QueryEscape(email)
	envelope, callErr := gateway.apiClient.DoJSON(ctx, http.MethodPost, path, nil)
	if callErr != nil {
		return Outcome{}, callErr
	}
	return outcomeFrom(envelope), nil
}

// VerifyEmail confirms an emailed verification code.
func (gateway *Gateway) VerifyEmail(ctx context.Context, request VerifyEmailRequest) (Outcome, error) {
	envelope, callErr := gateway.apiClient.DoJSON(ctx, http.MethodPost, "/api/users/email/verify", request)
	if callErr != nil {
		return Outcome{}, callErr
	}
	return outcomeFrom(envelope), nil
}

// UpdateProfile patches the current user's profile, then drops the cached
// copy and reloads it so every consumer observes the new values.
func (gateway *Gateway) UpdateProfile(ctx context.Context, request UpdateProfileRequest) (Outcome, error) {
	userID := gateway.controller.UserID()
	if userID == "" {
		return Outcome{}, fmt.Errorf("account_gateway.update: %w", ErrNotAuthenticated)
	}
	envelope, callErr := gateway.apiClient.DoJSON(ctx, http.MethodPatch, "/api/users/"+url.PathEscape(userID), request)
	if callErr != nil {
		return Outcome{}, callErr
	}
	if invalidateErr := gateway.cache.Invalidate(ctx, userID); invalidateErr != nil {
		gateway.logger.Warn("cache invalidation after update failed", zap.Error(invalidateErr))
	}
	if reloadErr := gateway.controller.ReloadProfile(ctx); reloadErr != nil {
		gateway.logger.Warn("profile reload after update failed", zap.Error(reloadErr))
	}
	return outcomeFrom(envelope), nil
}

// DeleteAccount removes the account on the backend, then clears the local
// session the same way logout does.
func (gateway *Gateway) DeleteAccount(ctx context.Context) (Outcome, error) {
	userID := gateway.controller.UserID()
	if userID == "" {
		return Outcome{}, fmt.Errorf("account_gateway.delete: %w", ErrNotAuthenticated)
	}
	envelope, callErr := gateway.apiClient.DoJSON(ctx, http.MethodDelete, "/api/users/"+url.PathEscape(userID), nil)
	if callErr != nil {
		return Outcome{}, callErr
	}
	gateway.controller.Logout(ctx)
	return outcomeFrom(envelope), nil
}

// ProfileFetcher adapts the backend profile endpoint into the cache's fetch
// function.
func ProfileFetcher(apiClient *apiclient.Client) profilecache.FetchFunc {
	return func(ctx context.Context, userID string) (profilecache.Profile, error) {
		envelope, callErr := apiClient.GetJSON(ctx, "/api/users/"+url.PathEscape(userID))
		if callErr != nil {
			return profilecache.Profile{}, callErr
		}
		profile := profilecache.Profile{}
		if decodeErr := envelope.DecodeData(&profile); decodeErr != nil {
			return profilecache.Profile{}, fmt.Errorf("account_gateway.profile_fetch: %w", decodeErr)
		}
		return profile, nil
	}
}
