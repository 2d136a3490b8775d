package core

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/moodframe/internal/backend/database"
	"github.com/jo-hoe/moodframe/internal/backend/emotion"
	"github.com/jo-hoe/moodframe/internal/backend/imageprocessing"
)

var (
	ErrUnsupportedFileType = errors.New("file type not allowed")
	ErrInvalidWebcamData   = errors.New("invalid webcam image data")
	ErrInvalidFilename     = errors.New("invalid filename")
)

// HistoryHeader is the header row of the CSV export.
var HistoryHeader = []string{"ID", "Name", "Email", "Filename", "AnnotatedFilename", "Emotion", "Timestamp"}

type CoreService struct {
	config          *ServiceConfig
	databaseService database.DatabaseService
	analyzer        *emotion.Analyzer
	annotator       *imageprocessing.Annotator
	now             func() time.Time
}

// NewCoreService opens the database, ensures the upload directory exists and wires the
// analyzer around classifier.
func NewCoreService(config *ServiceConfig, classifier emotion.Classifier) (*CoreService, error) {
	if err := os.MkdirAll(config.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory %s: %w", config.UploadDir, err)
	}
	databaseService, err := getDatabaseService(config)
	if err != nil {
		return nil, err
	}
	return &CoreService{
		config:          config,
		databaseService: databaseService,
		analyzer:        emotion.NewAnalyzer(classifier),
		annotator:       imageprocessing.NewAnnotator(config.FontPath),
		now:             time.Now,
	}, nil
}

func getDatabaseService(config *ServiceConfig) (database.DatabaseService, error) {
	databaseService, err := database.NewDatabase(config.Database.Type, config.Database.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	slog.Info("database initialized successfully", "type", config.Database.Type)
	return databaseService, nil
}

func (service *CoreService) Close() error {
	return service.databaseService.Close()
}

// Ping reports whether the database is reachable.
func (service *CoreService) Ping() bool {
	return service.databaseService.DoesDatabaseExist()
}

// StoreUpload validates the extension and writes src into the upload directory under a
// timestamped, sanitized name.
func (service *CoreService) StoreUpload(originalName string, src io.Reader) (string, error) {
	if !AllowedFile(originalName) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFileType, originalName)
	}
	filename := uploadFilename(service.now(), originalName)
	if !isPlainFilename(filename) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, originalName)
	}

	path := filepath.Join(service.config.UploadDir, filename)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", path, err)
	}
	return filename, nil
}

// DecodeWebcamPayload strips an optional data URI header and base64-decodes the rest.
func DecodeWebcamPayload(payload string) ([]byte, error) {
	encoded := payload
	if _, after, found := strings.Cut(payload, ","); found {
		encoded = after
	}
	encoded = strings.TrimSpace(encoded)

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// browsers occasionally drop the padding
		var rawErr error
		data, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if rawErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWebcamData, err)
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidWebcamData)
	}
	return data, nil
}

// StoreWebcam writes decoded webcam bytes as webcam_<timestamp>.png.
func (service *CoreService) StoreWebcam(data []byte) (string, error) {
	filename := webcamFilename(service.now())
	path := filepath.Join(service.config.UploadDir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return filename, nil
}

func (service *CoreService) AnalyzeUpload(ctx context.Context, filename string) (emotion.Result, error) {
	return service.analyzer.AnalyzeFile(ctx, filepath.Join(service.config.UploadDir, filename))
}

func (service *CoreService) AnalyzeWebcam(ctx context.Context, data []byte) (emotion.Result, error) {
	return service.analyzer.AnalyzeBytes(ctx, data)
}

// RecordSubmission annotates the stored image and persists the submission. Neither step can
// fail the request: annotation falls back to the original file and storage errors are logged.
func (service *CoreService) RecordSubmission(ctx context.Context, name, email, filename string, result emotion.Result) *database.Submission {
	annotated := service.annotator.Annotate(filepath.Join(service.config.UploadDir, filename), result.DominantEmotion)

	submission := &database.Submission{
		Name:              strings.TrimSpace(name),
		Email:             strings.TrimSpace(email),
		Filename:          filename,
		AnnotatedFilename: annotated,
		Emotion:           result.DominantEmotion,
		Emotions:          result.Emotion,
		CreatedAt:         service.now().UTC(),
	}
	if _, err := service.databaseService.InsertSubmission(ctx, submission); err != nil {
		slog.Error("RecordSubmission: failed to save submission", "filename", filename, "error", err)
	}
	return submission
}

// History returns up to limit submissions, most recent first. Non-positive limits or limits
// above the configured maximum are clamped to that maximum.
func (service *CoreService) History(ctx context.Context, limit int) ([]*database.Submission, error) {
	if limit <= 0 || limit > service.config.HistoryLimit {
		limit = service.config.HistoryLimit
	}
	return service.databaseService.ListSubmissions(ctx, limit)
}

// WriteHistoryCSV writes up to limit submissions as CSV; limit <= 0 uses the configured export limit.
func (service *CoreService) WriteHistoryCSV(ctx context.Context, w io.Writer, limit int) error {
	if limit <= 0 {
		limit = service.config.ExportLimit
	}
	submissions, err := service.databaseService.ListSubmissions(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list submissions: %w", err)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(HistoryHeader); err != nil {
		return err
	}
	for _, s := range submissions {
		record := []string{
			strconv.FormatInt(s.ID, 10),
			s.Name,
			s.Email,
			s.Filename,
			s.AnnotatedFilename,
			s.Emotion,
			formatTimestamp(s.CreatedAt),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// UploadPath resolves a stored file name inside the upload directory.
func (service *CoreService) UploadPath(filename string) (string, error) {
	if !isPlainFilename(filename) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	return filepath.Join(service.config.UploadDir, filename), nil
}

// Thumbnail returns a PNG of the stored image scaled down to the configured thumbnail width.
func (service *CoreService) Thumbnail(filename string) ([]byte, error) {
	path, err := service.UploadPath(filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	thumbnail, err := imageprocessing.ScaleToWidth(data, service.config.ThumbnailWidth)
	if err != nil {
		return nil, fmt.Errorf("failed to generate thumbnail for %s: %w", filename, err)
	}
	return thumbnail, nil
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
