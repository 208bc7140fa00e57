package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrMissingBaseURL indicates the client was constructed without a backend URL.
	ErrMissingBaseURL = errors.New("api_client.missing_base_url")
	// ErrNilSink indicates a stream download was requested without a destination.
	ErrNilSink = errors.New("api_client.nil_sink")
)

// FallbackErrorMessage is surfaced to the UI layer when a request failed
// without a structured backend response.
const FallbackErrorMessage = "request failed, please try again"

const defaultRequestTimeout = 60 * time.Second

// Envelope is the backend's uniform JSON response shape.
type Envelope struct {
	Status  string          `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// DecodeData unmarshals the envelope payload into target.
func (envelope *Envelope) DecodeData(target any) error {
	if target == nil {
		return nil
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if unmarshalErr := json.Unmarshal(envelope.Data, target); unmarshalErr != nil {
		return fmt.Errorf("api_client.decode_data: %w", unmarshalErr)
	}
	return nil
}

// APIError carries a structured backend failure. Message holds the backend
// text verbatim for display.
type APIError struct {
	HTTPStatus int
	Status     string
	Code       string
	Message    string
}

// Error formats the backend failure with its code.
func (apiError *APIError) Error() string {
	return fmt.Sprintf("api_client.request_failed: %s (%s)", apiError.Message, apiError.Code)
}

// TransportError wraps a failure that produced no backend response.
type TransportError struct {
	Err error
}

// Error reports the generic fallback text.
func (transportError *TransportError) Error() string {
	return fmt.Sprintf("api_client.transport: %v", transportError.Err)
}

// Unwrap exposes the underlying transport failure.
func (transportError *TransportError) Unwrap() error {
	return transportError.Err
}

// UserMessage extracts the text to show a person for a failed call: the
// backend message verbatim when one exists, the generic fallback otherwise.
func UserMessage(err error) string {
	var apiError *APIError
	if errors.As(err, &apiError) && strings.TrimSpace(apiError.Message) != "" {
		return apiError.Message
	}
	return FallbackErrorMessage
}

// Config configures the backend client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	Logger     *zap.Logger
	HTTPClient *http.Client
}

// Client is the single HTTP gateway to the backend. The bearer token it
// attaches to outgoing requests is process-wide mutable state; only the
// account gateway's login/adopt and the session cleanup path mutate it.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	bearerMutex sync.RWMutex
	bearerToken string

	hookMutex        sync.RWMutex
	unauthorizedHook func()
}

// New constructs a Client after validating the configuration.
func New(configuration Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(configuration.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("api_client.new: %w", ErrMissingBaseURL)
	}
	timeout := configuration.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// SetBearerToken attaches the access token to all subsequent requests.
func (client *Client) SetBearerToken(accessToken string) {
	client.bearerMutex.Lock()
	defer client.bearerMutex.Unlock()
	client.bearerToken = accessToken
}

// ClearBearerToken removes the stored access token.
func (client *Client) ClearBearerToken() {
	client.bearerMutex.Lock()
	defer client.bearerMutex.Unlock()
	client.bearerToken = ""
}

// BearerHeader returns the Authorization header value currently attached to
// outgoing requests, or empty when unauthenticated.
func (client *Client) BearerHeader() string {
	client.bearerMutex.RLock()
	defer client.bearerMutex.RUnlock()
	if client.bearerToken == "" {
		return ""
	}
	return "Bearer " + client.bearerToken
}

// SetUnauthorizedHook registers the callback invoked whenever the backend
// answers 401. The session controller uses it to converge reactive expiry
// onto the same cleanup path as the proactive poll.
func (client *Client) SetUnauthorizedHook(hook func()) {
	client.hookMutex.Lock()
	defer client.hookMutex.Unlock()
	client.unauthorizedHook = hook
}

// GetJSON issues an idempotent GET with a single retry on transport failure.
func (client *Client) GetJSON(ctx context.Context, path string) (*Envelope, error) {
	envelope, err := client.DoJSON(ctx, http.MethodGet, path, nil)
	var transportError *TransportError
	if err != nil && errors.As(err, &transportError) && ctx.Err() == nil {
		client.logger.Debug("retrying idempotent read", zap.String("path", path), zap.Error(err))
		return client.DoJSON(ctx, http.MethodGet, path, nil)
	}
	return envelope, err
}

// DoJSON issues a request with an optional JSON body and decodes the
// backend envelope.
func (client *Client) DoJSON(ctx context.Context, method string, path string, body any) (*Envelope, error) {
	var bodyReader io.Reader
	if body != nil {
		encoded, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return nil, fmt.Errorf("api_client.encode_body: %w", marshalErr)
		}
		bodyReader = bytes.NewReader(encoded)
	}
	request, requestErr := http.NewRequestWithContext(ctx, method, client.baseURL+path, bodyReader)
	if requestErr != nil {
		return nil, fmt.Errorf("api_client.build_request: %w", requestErr)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	return client.do(request)
}

// DoMultipart issues a POST with a prepared multipart body.
func (client *Client) DoMultipart(ctx context.Context, path string, contentType string, body io.Reader) (*Envelope, error) {
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+path, body)
	if requestErr != nil {
		return nil, fmt.Errorf("api_client.build_request: %w", requestErr)
	}
	request.Header.Set("Content-Type", contentType)
	return client.do(request)
}

// GetStream copies a binary response body into sink.
func (client *Client) GetStream(ctx context.Context, path string, sink io.Writer) error {
	if sink == nil {
		return fmt.Errorf("api_client.stream: %w", ErrNilSink)
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+path, nil)
	if requestErr != nil {
		return fmt.Errorf("api_client.build_request: %w", requestErr)
	}
	client.attachBearer(request)
	response, responseErr := client.httpClient.Do(request)
	if responseErr != nil {
		return &TransportError{Err: responseErr}
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(response.Body)
		return client.shapeFailure(response.StatusCode, payload)
	}
	if _, copyErr := io.Copy(sink, response.Body); copyErr != nil {
		return fmt.Errorf("api_client.stream_copy: %w", copyErr)
	}
	return nil
}

func (client *Client) attachBearer(request *http.Request) {
	if header := client.BearerHeader(); header != "" {
		request.Header.Set("Authorization", header)
	}
}

func (client *Client) do(request *http.Request) (*Envelope, error) {
	client.attachBearer(request)
	response, responseErr := client.httpClient.Do(request)
	if responseErr != nil {
		return nil, &TransportError{Err: responseErr}
	}
	defer func() { _ = response.Body.Close() }()

	payload, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return nil, &TransportError{Err: readErr}
	}

	if response.StatusCode >= http.StatusBadRequest {
		failure := client.shapeFailure(response.StatusCode, payload)
		if response.StatusCode == http.StatusUnauthorized {
			client.notifyUnauthorized()
		}
		return nil, failure
	}

	envelope := &Envelope{}
	if len(payload) > 0 {
		if unmarshalErr := json.Unmarshal(payload, envelope); unmarshalErr != nil {
			return nil, fmt.Errorf("api_client.decode_envelope: %w", unmarshalErr)
		}
	}
	return envelope, nil
}

func (client *Client) shapeFailure(httpStatus int, payload []byte) error {
	envelope := Envelope{}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &envelope)
	}
	message := strings.TrimSpace(envelope.Message)
	if message == "" {
		message = FallbackErrorMessage
	}
	return &APIError{
		HTTPStatus: httpStatus,
		Status:     envelope.Status,
		Code:       envelope.Code,
		Message:    message,
	}
}

func (client *Client) notifyUnauthorized() {
	client.hookMutex.RLock()
	hook := client.unauthorizedHook
	client.hookMutex.RUnlock()
	if hook != nil {
		hook()
	}
}
