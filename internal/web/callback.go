// Package web hosts the loopback HTTP endpoint that receives OAuth
// redirects. The provider flow ends with a redirect carrying the token pair
// in query parameters; this server captures exactly one such redirect and
// hands the result to the waiting caller.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const callbackPath = "/oauth/callback"

const landingPage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>probgen</title></head>
<body><p>%s</p><p>이 창을 닫아도 됩니다.</p></body>
</html>`

var (
	ErrCallbackDenied = errors.New("oauth_callback.denied")
	ErrMissingTokens  = errors.New("oauth_callback.missing_tokens")
)

// Result is the outcome of one OAuth redirect.
type Result struct {
	GrantType    string
	AccessToken  string
	RefreshToken string
}

// CallbackServer is a single-shot loopback server. Start it, send the user
// to the provider with its RedirectURL, then Wait for the redirect.
type CallbackServer struct {
	listener   net.Listener
	httpServer *http.Server
	logger     *zap.Logger

	once    sync.Once
	results chan callbackOutcome
}

type callbackOutcome struct {
	result Result
	err    error
}

// NewCallbackServer binds listenAddr, defaulting to a random loopback port.
func NewCallbackServer(listenAddr string, logger *zap.Logger) (*CallbackServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if listenAddr == "" {
		listenAddr = "127.0.0.1:0"
	}
	listener, listenErr := net.Listen("tcp", listenAddr)
	if listenErr != nil {
		return nil, fmt.Errorf("oauth_callback.listen: %w", listenErr)
	}

	server := &CallbackServer{
		listener: listener,
		logger:   logger,
		results:  make(chan callbackOutcome, 1),
	}

	router := gin.New()
	router.GET(callbackPath, server.handleCallback)
	server.httpServer = &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if serveErr := server.httpServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			server.logger.Warn("callback server stopped", zap.Error(serveErr))
		}
	}()
	return server, nil
}

// RedirectURL is the address to register as the provider's redirect target.
func (server *CallbackServer) RedirectURL() string {
	return "http://" + server.listener.Addr().String() + callbackPath
}

// Wait blocks until one redirect arrives or ctx ends.
func (server *CallbackServer) Wait(ctx context.Context) (Result, error) {
	select {
	case outcome := <-server.results:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("oauth_callback.wait: %w", ctx.Err())
	}
}

// Close stops the listener. Safe to call more than once.
func (server *CallbackServer) Close(ctx context.Context) error {
	return server.httpServer.Shutdown(ctx)
}

func (server *CallbackServer) handleCallback(contextGin *gin.Context) {
	if providerError := contextGin.Query("error"); providerError != "" {
		message := contextGin.Query("message")
		if message == "" {
			message = providerError
		}
		server.deliver(callbackOutcome{err: fmt.Errorf("oauth_callback.redirect %s: %w", message, ErrCallbackDenied)})
		contextGin.Data(http.StatusOK, "text/html; charset=utf-8", []byte(fmt.Sprintf(landingPage, "로그인에 실패했습니다.")))
		return
	}

	result := Result{
		GrantType:    contextGin.Query("grant_type"),
		AccessToken:  contextGin.Query("accessToken"),
		RefreshToken: contextGin.Query("refreshToken"),
	}
	if result.AccessToken == "" || result.RefreshToken == "" {
		server.deliver(callbackOutcome{err: fmt.Errorf("oauth_callback.redirect: %w", ErrMissingTokens)})
		contextGin.Data(http.StatusBadRequest, "text/html; charset=utf-8", []byte(fmt.Sprintf(landingPage, "로그인 응답이 올바르지 않습니다.")))
		return
	}

	server.deliver(callbackOutcome{result: result})
	contextGin.Data(http.StatusOK, "text/html; charset=utf-8", []byte(fmt.Sprintf(landingPage, "로그인되었습니다.")))
}

// deliver forwards the first outcome only; later redirects are dropped.
func (server *CallbackServer) deliver(outcome callbackOutcome) {
	server.once.Do(func() {
		server.results <- outcome
	})
}
