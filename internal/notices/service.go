// Package notices wraps the backend's announcement endpoints.
package notices

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/probgenlabs/probgen/internal/apiclient"
)

var (
	ErrMissingClient = errors.New("notice_service.missing_client")
	ErrInvalidID     = errors.New("notice_service.invalid_id")
	ErrEmptyTitle    = errors.New("notice_service.empty_title")
)

// Notice is one announcement as the backend returns it.
type Notice struct {
	NoticeID  int64  `json:"noticeId"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// Draft is the payload for creating or editing a notice.
type Draft struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Service reads and mutates notices through the shared API client. Reads go
// through the retrying GET path; mutations are sent exactly once.
type Service struct {
	apiClient *apiclient.Client
	logger    *zap.Logger
}

func NewService(apiClient *apiclient.Client, logger *zap.Logger) (*Service, error) {
	if apiClient == nil {
		return nil, fmt.Errorf("notice_service.new: %w", ErrMissingClient)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{apiClient: apiClient, logger: logger}, nil
}

// List returns every notice, newest first per backend ordering.
func (service *Service) List(ctx context.Context) ([]Notice, error) {
	envelope, callErr := service.apiClient.GetJSON(ctx, "/api/notices")
	if callErr != nil {
		return nil, callErr
	}
	notices := []Notice{}
	if decodeErr := envelope.DecodeData(&notices); decodeErr != nil {
		return nil, fmt.Errorf("notice_service.list: %w", decodeErr)
	}
	return notices, nil
}

// Get returns a single notice by id.
func (service *Service) Get(ctx context.Context, noticeID int64) (Notice, error) {
	if noticeID <= 0 {
		return Notice{}, fmt.Errorf("notice_service.get: %w", ErrInvalidID)
	}
	envelope, callErr := service.apiClient.GetJSON(ctx, noticePath(noticeID))
	if callErr != nil {
		return Notice{}, callErr
	}
	notice := Notice{}
	if decodeErr := envelope.DecodeData(&notice); decodeErr != nil {
		return Notice{}, fmt.Errorf("notice_service.get: %w", decodeErr)
	}
	return notice, nil
}

// Create posts a new notice and returns the stored copy.
func (service *Service) Create(ctx context.Context, draft Draft) (Notice, error) {
	if draft.Title == "" {
		return Notice{}, fmt.Errorf("notice_service.create: %w", ErrEmptyTitle)
	}
	envelope, callErr := service.apiClient.DoJSON(ctx, http.MethodPost, "/api/notices", draft)
	if callErr != nil {
		return Notice{}, callErr
	}
	notice := Notice{}
	if decodeErr := envelope.DecodeData(&notice); decodeErr != nil {
		return Notice{}, fmt.Errorf("notice_service.create: %w", decodeErr)
	}
	service.logger.Info("notice created", zap.Int64("notice_id", notice.NoticeID))
	return notice, nil
}

// Update edits an existing notice.
func (service *Service) Update(ctx context.Context, noticeID int64, draft Draft) (Notice, error) {
	if noticeID <= 0 {
		return Notice{}, fmt.Errorf("notice_service.update: %w", ErrInvalidID)
	}
	if draft.Title == "" {
		return Notice{}, fmt.Errorf("notice_service.update: %w", ErrEmptyTitle)
	}
	envelope, callErr := service.apiClient.DoJSON(ctx, http.MethodPatch, noticePath(noticeID), draft)
	if callErr != nil {
		return Notice{}, callErr
	}
	notice := Notice{}
	if decodeErr := envelope.DecodeData(&notice); decodeErr != nil {
		return Notice{}, fmt.Errorf("notice_service.update: %w", decodeErr)
	}
	return notice, nil
}

// Delete removes a notice.
func (service *Service) Delete(ctx context.Context, noticeID int64) error {
	if noticeID <= 0 {
		return fmt.Errorf("notice_service.delete: %w", ErrInvalidID)
	}
	if _, callErr := service.apiClient.DoJSON(ctx, http.MethodDelete, noticePath(noticeID), nil); callErr != nil {
		return callErr
	}
	service.logger.Info("notice deleted", zap.Int64("notice_id", noticeID))
	return nil
}

func noticePath(noticeID int64) string {
	return "/api/notices/" + strconv.FormatInt(noticeID, 10)
}
