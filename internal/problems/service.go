// Package problems drives problem-set generation: local validation of the
// uploaded material, the multipart generation call, and answer-sheet download.
package problems

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/probgenlabs/probgen/internal/apiclient"
	"github.com/probgenlabs/probgen/internal/profilecache"
)

// MaxUploadBytes caps the combined size of all uploaded files.
const MaxUploadBytes = 15 * 1024 * 1024

var (
	ErrMissingClient    = errors.New("problem_service.missing_client")
	ErrMissingSession   = errors.New("problem_service.missing_session")
	ErrNotAuthenticated = errors.New("problem_service.not_authenticated")
	ErrQuotaExhausted   = errors.New("problem_service.quota_exhausted")
	ErrNoConceptFiles   = errors.New("problem_service.no_concept_files")
	ErrUploadTooLarge   = errors.New("problem_service.upload_too_large")
	ErrConceptFileType  = errors.New("problem_service.concept_file_type")
	ErrFormatFileType   = errors.New("problem_service.format_file_type")
	ErrEmptyDownloadKey = errors.New("problem_service.empty_download_key")
)

// GenerateRequest names the local files to upload. Concept files carry the
// material to generate from; format files are optional style samples.
type GenerateRequest struct {
	ConceptFilePaths []string
	FormatFilePaths  []string
}

// Problem is one generated problem.
type Problem struct {
	Number      int    `json:"number"`
	Content     string `json:"content"`
	Description string `json:"description"`
	Answer      string `json:"answer"`
}

// GenerateResult is the backend's generation payload.
type GenerateResult struct {
	DownloadKey  string    `json:"downloadKey"`
	Problems     []Problem `json:"problems"`
	ProblemCount int       `json:"problemCount"`
	Message      string    `json:"message"`
}

// SessionReader is the slice of the session controller the service needs.
type SessionReader interface {
	UserID() string
	CurrentUser() (profilecache.Profile, bool)
}

// Service validates generation requests locally before spending a network
// round trip, then performs the upload and exposes the download stream.
type Service struct {
	apiClient *apiclient.Client
	sessions  SessionReader
	logger    *zap.Logger
}

func NewService(apiClient *apiclient.Client, sessions SessionReader, logger *zap.Logger) (*Service, error) {
	if apiClient == nil {
		return nil, fmt.Errorf("problem_service.new: %w", ErrMissingClient)
	}
	if sessions == nil {
		return nil, fmt.Errorf("problem_service.new: %w", ErrMissingSession)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{apiClient: apiClient, sessions: sessions, logger: logger}, nil
}

// Generate validates the request, checks the caller's quota, uploads the
// files and returns the generated set. Validation failures never reach the
// network.
func (service *Service) Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error) {
	if validateErr := validateFiles(request); validateErr != nil {
		return GenerateResult{}, validateErr
	}

	userID := service.sessions.UserID()
	if userID == "" {
		return GenerateResult{}, fmt.Errorf("problem_service.generate: %w", ErrNotAuthenticated)
	}
	profile, loaded := service.sessions.CurrentUser()
	if !loaded {
		return GenerateResult{}, fmt.Errorf("problem_service.generate: %w", ErrNotAuthenticated)
	}
	if profile.FreeCount <= 0 {
		return GenerateResult{}, fmt.Errorf("problem_service.generate: %w", ErrQuotaExhausted)
	}

	body, contentType, buildErr := buildMultipartBody(request)
	if buildErr != nil {
		return GenerateResult{}, buildErr
	}

	envelope, callErr := service.apiClient.DoMultipart(ctx, "/api/problems/"+url.PathEscape(userID), contentType, body)
	if callErr != nil {
		return GenerateResult{}, callErr
	}
	result := GenerateResult{}
	if decodeErr := envelope.DecodeData(&result); decodeErr != nil {
		return GenerateResult{}, fmt.Errorf("problem_service.generate: %w", decodeErr)
	}
	service.logger.Info("problem set generated",
		zap.String("user_id", userID),
		zap.Int("problem_count", result.ProblemCount),
		zap.String("download_key", result.DownloadKey))
	return result, nil
}

// Download streams the rendered answer sheet for a prior generation into sink.
func (service *Service) Download(ctx context.Context, downloadKey string, sink io.Writer) error {
	if strings.TrimSpace(downloadKey) == "" {
		return fmt.Errorf("problem_service.download: %w", ErrEmptyDownloadKey)
	}
	if streamErr := service.apiClient.GetStream(ctx, "/api/problems/download/"+url.PathEscape(downloadKey), sink); streamErr != nil {
		return streamErr
	}
	return nil
}

func validateFiles(request GenerateRequest) error {
	if len(request.ConceptFilePaths) == 0 {
		return fmt.Errorf("problem_service.validate: %w", ErrNoConceptFiles)
	}
	for _, path := range request.ConceptFilePaths {
		if ext := strings.ToLower(filepath.Ext(path)); ext != ".pdf" {
			return fmt.Errorf("problem_service.validate %s: %w", filepath.Base(path), ErrConceptFileType)
		}
		if sizeErr := checkFileSize(path); sizeErr != nil {
			return sizeErr
		}
	}
	for _, path := range request.FormatFilePaths {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".pdf", ".ppt", ".pptx":
		default:
			return fmt.Errorf("problem_service.validate %s: %w", filepath.Base(path), ErrFormatFileType)
		}
		if sizeErr := checkFileSize(path); sizeErr != nil {
			return sizeErr
		}
	}
	return nil
}

func checkFileSize(path string) error {
	info, statErr := os.Stat(path)
	if statErr != nil {
		return fmt.Errorf("problem_service.stat: %w", statErr)
	}
	if info.Size() > MaxUploadBytes {
		return fmt.Errorf("problem_service.validate %s (%d bytes): %w", filepath.Base(path), info.Size(), ErrUploadTooLarge)
	}
	return nil
}

func buildMultipartBody(request GenerateRequest) (io.Reader, string, error) {
	buffer := &bytes.Buffer{}
	writer := multipart.NewWriter(buffer)
	for _, path := range request.ConceptFilePaths {
		if appendErr := appendFile(writer, "conceptFiles", path); appendErr != nil {
			return nil, "", appendErr
		}
	}
	for _, path := range request.FormatFilePaths {
		if appendErr := appendFile(writer, "formatFiles", path); appendErr != nil {
			return nil, "", appendErr
		}
	}
	if closeErr := writer.Close(); closeErr != nil {
		return nil, "", fmt.Errorf("problem_service.multipart: %w", closeErr)
	}
	return buffer, writer.FormDataContentType(), nil
}

func appendFile(writer *multipart.Writer, fieldName string, path string) error {
	file, openErr := os.Open(path)
	if openErr != nil {
		return fmt.Errorf("problem_service.open: %w", openErr)
	}
	defer func() { _ = file.Close() }()
	part, partErr := writer.CreateFormFile(fieldName, filepath.Base(path))
	if partErr != nil {
		return fmt.Errorf("problem_service.multipart: %w", partErr)
	}
	if _, copyErr := io.Copy(part, file); copyErr != nil {
		return fmt.Errorf("problem_service.multipart: %w", copyErr)
	}
	return nil
}
