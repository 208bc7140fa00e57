package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, clientErr := New(Config{BaseURL: server.URL})
	if clientErr != nil {
		t.Fatalf("build client: %v", clientErr)
	}
	return client, server
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("expected ErrMissingBaseURL, got %v", err)
	}
}

func TestBearerHeaderLifecycle(t *testing.T) {
	t.Parallel()

	client, clientErr := New(Config{BaseURL: "http://localhost"})
	if clientErr != nil {
		t.Fatalf("build client: %v", clientErr)
	}
	if header := client.BearerHeader(); header != "" {
		t.Fatalf("expected empty header, got %q", header)
	}
	client.SetBearerToken("token-abc")
	if header := client.BearerHeader(); header != "Bearer token-abc" {
		t.Fatalf("expected bearer header, got %q", header)
	}
	client.ClearBearerToken()
	if header := client.BearerHeader(); header != "" {
		t.Fatalf("expected cleared header, got %q", header)
	}
}

func TestDoJSONAttachesBearerAndDecodesEnvelope(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/api/ping", func(contextGin *gin.Context) {
		if contextGin.GetHeader("Authorization") != "Bearer token-abc" {
			contextGin.JSON(http.StatusForbidden, gin.H{"status": "error", "code": "AUTH", "message": "missing bearer"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"status": "success", "code": "OK", "message": "pong", "data": gin.H{"value": 7}})
	})

	client, _ := newTestClient(t, router)
	client.SetBearerToken("token-abc")

	envelope, requestErr := client.DoJSON(context.Background(), http.MethodGet, "/api/ping", nil)
	if requestErr != nil {
		t.Fatalf("unexpected error: %v", requestErr)
	}
	if envelope.Message != "pong" {
		t.Fatalf("expected message pong, got %q", envelope.Message)
	}
	var data struct {
		Value int `json:"value"`
	}
	if decodeErr := envelope.DecodeData(&data); decodeErr != nil {
		t.Fatalf("decode data: %v", decodeErr)
	}
	if data.Value != 7 {
		t.Fatalf("expected value 7, got %d", data.Value)
	}
}

func TestFailureSurfacesBackendMessageVerbatim(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.POST("/api/users/login", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"code":    "USR-002",
			"message": "이메일 또는 비밀번호가 올바르지 않습니다.",
		})
	})

	client, _ := newTestClient(t, router)

	_, requestErr := client.DoJSON(context.Background(), http.MethodPost, "/api/users/login", map[string]string{"email": "a@b.c"})
	if requestErr == nil {
		t.Fatalf("expected error")
	}
	var apiError *APIError
	if !errors.As(requestErr, &apiError) {
		t.Fatalf("expected APIError, got %T", requestErr)
	}
	if apiError.Message != "이메일 또는 비밀번호가 올바르지 않습니다." {
		t.Fatalf("backend message not preserved: %q", apiError.Message)
	}
	if UserMessage(requestErr) != apiError.Message {
		t.Fatalf("UserMessage must surface the backend text verbatim")
	}
}

func TestFailureWithoutEnvelopeFallsBackToGenericMessage(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusBadGateway)
		_, _ = writer.Write([]byte("<html>bad gateway</html>"))
	}))

	_, requestErr := client.DoJSON(context.Background(), http.MethodGet, "/anything", nil)
	if requestErr == nil {
		t.Fatalf("expected error")
	}
	if UserMessage(requestErr) != FallbackErrorMessage {
		t.Fatalf("expected fallback message, got %q", UserMessage(requestErr))
	}
}

func TestTransportFailureMapsToGenericMessage(t *testing.T) {
	t.Parallel()

	client, clientErr := New(Config{BaseURL: "http://127.0.0.1:1"})
	if clientErr != nil {
		t.Fatalf("build client: %v", clientErr)
	}
	_, requestErr := client.DoJSON(context.Background(), http.MethodPost, "/api/users/logout", nil)
	var transportError *TransportError
	if !errors.As(requestErr, &transportError) {
		t.Fatalf("expected TransportError, got %v", requestErr)
	}
	if UserMessage(requestErr) != FallbackErrorMessage {
		t.Fatalf("expected fallback message, got %q", UserMessage(requestErr))
	}
}

func TestGetJSONRetriesOnceOnTransportFailure(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if attempts.Add(1) == 1 {
			// Hijack and drop the connection so the client sees a transport error.
			hijacker, ok := writer.(http.Hijacker)
			if !ok {
				t.Errorf("response writer does not support hijacking")
				return
			}
			connection, _, hijackErr := hijacker.Hijack()
			if hijackErr != nil {
				t.Errorf("hijack: %v", hijackErr)
				return
			}
			_ = connection.Close()
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"status":"success","code":"OK","message":"ok","data":null}`))
	}))
	t.Cleanup(server.Close)

	client, clientErr := New(Config{BaseURL: server.URL})
	if clientErr != nil {
		t.Fatalf("build client: %v", clientErr)
	}
	envelope, requestErr := client.GetJSON(context.Background(), "/api/notices")
	if requestErr != nil {
		t.Fatalf("expected retry to succeed, got %v", requestErr)
	}
	if envelope.Code != "OK" {
		t.Fatalf("expected OK envelope, got %+v", envelope)
	}
	if attempts.Load() != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts.Load())
	}
}

func TestUnauthorizedResponseInvokesHook(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusUnauthorized)
		_, _ = writer.Write([]byte(`{"status":"error","code":"AUTH-401","message":"token expired"}`))
	}))

	var hookCalls atomic.Int64
	client.SetUnauthorizedHook(func() { hookCalls.Add(1) })

	_, requestErr := client.DoJSON(context.Background(), http.MethodGet, "/api/users/1", nil)
	if requestErr == nil {
		t.Fatalf("expected error")
	}
	if hookCalls.Load() != 1 {
		t.Fatalf("expected hook to fire once, got %d", hookCalls.Load())
	}
	if !strings.Contains(requestErr.Error(), "token expired") {
		t.Fatalf("expected backend message in error, got %v", requestErr)
	}
}
