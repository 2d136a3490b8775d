package frontend

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/jo-hoe/moodframe/internal/backend/database"
	"github.com/jo-hoe/moodframe/internal/backend/emotion"
	"github.com/jo-hoe/moodframe/internal/backend/imageprocessing"
	"github.com/jo-hoe/moodframe/internal/common"
	"github.com/jo-hoe/moodframe/internal/core"
	"github.com/labstack/echo/v4"
)

const (
	MainPageName    = "index.html"
	resultPageName  = "result.html"
	historyPageName = "history.html"
	errorPageName   = "error.html"

	mimePNG = "image/png"
	mimeSVG = "image/svg+xml"
	mimeCSV = "text/csv; charset=utf-8"

	iconPNGSize = 180

	formName       = "name"
	formEmail      = "email"
	formPhoto      = "photo"
	formWebcamData = "webcam_data"
)

var msgFileTypeNotAllowed = "File type not allowed. Allowed: " + strings.Join(core.AllowedExtensions, ",")

const (
	msgNoImage            = "No image provided. Upload a file or capture from webcam."
	msgInvalidWebcamData  = "Invalid webcam image data. Please try again."
	msgUploadModelError   = "Model error: could not analyze the uploaded image. Try a different image or check your environment."
	msgWebcamModelError   = "Model error: could not analyze the webcam image. Try again."
	msgUnexpectedError    = "Unexpected server error. Check server logs."
	msgHistoryUnavailable = "Unable to load history."
	msgExportUnavailable  = "Unable to export history."
	msgNotFound           = "Page not found (404)"
	msgServerError        = "Server error (500)"
)

type FrontendService struct {
	coreService *core.CoreService
	config      *core.ServiceConfig
	flashStore  FlashStore
}

type indexPage struct {
	Title   string
	Flashes []FlashMessage
}

type emotionScore struct {
	Label string
	Score float64
}

type resultPage struct {
	Title           string
	Name            string
	DominantEmotion string
	Filename        string
	Emotions        []emotionScore
}

type historyPage struct {
	Title       string
	Submissions []*database.Submission
}

type errorPage struct {
	Title   string
	Message string
}

type historyQuery struct {
	Limit int `query:"limit" validate:"min=0"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Time     string `json:"time"`
	Database string `json:"database"`
}

func NewFrontendService(config *core.ServiceConfig, coreService *core.CoreService, flashStore FlashStore) *FrontendService {
	return &FrontendService{
		coreService: coreService,
		config:      config,
		flashStore:  flashStore,
	}
}

func (service *FrontendService) SetRoutes(e *echo.Echo) {
	e.Renderer = newTemplate()
	e.Validator = common.NewGenericEchoValidator()
	e.HTTPErrorHandler = service.httpErrorHandler

	e.GET("/", service.indexHandler)
	e.POST("/analyze", service.analyzeHandler)
	e.GET("/uploads/:name", service.uploadsHandler)
	e.GET("/thumbnails/:name", service.thumbnailHandler)
	e.GET("/history", service.historyHandler)
	e.GET("/download_history", service.downloadHistoryHandler)
	e.GET("/health", service.healthHandler)

	e.GET("/icon.svg", service.iconHandler)
	e.GET("/icon.png", service.iconPNGHandler)
}

func (service *FrontendService) indexHandler(ctx echo.Context) error {
	flashes, err := service.flashStore.Pop(ctx)
	if err != nil {
		slog.Warn("indexHandler: failed to read flash messages", "error", err)
	}
	return ctx.Render(http.StatusOK, MainPageName, indexPage{Title: "Analyze", Flashes: flashes})
}

// analyzeHandler is the outermost boundary of a submission: whatever escapes the pipeline,
// including a panic, ends as the generic error page.
func (service *FrontendService) analyzeHandler(ctx echo.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("analyzeHandler: recovered from panic",
				"status", http.StatusInternalServerError, "panic", r, "stack", string(debug.Stack()))
			err = service.renderError(ctx, http.StatusInternalServerError, msgUnexpectedError)
		}
	}()

	if err := service.analyze(ctx); err != nil {
		slog.Error("analyzeHandler: unexpected failure",
			"status", http.StatusInternalServerError, "error", err)
		return service.renderError(ctx, http.StatusInternalServerError, msgUnexpectedError)
	}
	return nil
}

func (service *FrontendService) analyze(ctx echo.Context) error {
	name := ctx.FormValue(formName)
	email := ctx.FormValue(formEmail)

	file, err := ctx.FormFile(formPhoto)
	switch {
	case err == nil && file.Filename != "":
		return service.analyzeUpload(ctx, name, email, file)
	case err != nil && !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart):
		return fmt.Errorf("failed to read uploaded file: %w", err)
	}

	payload := ctx.FormValue(formWebcamData)
	if strings.TrimSpace(payload) == "" {
		slog.Info("analyzeHandler: no image provided")
		return service.redirectWithFlash(ctx, msgNoImage)
	}
	return service.analyzeWebcam(ctx, name, email, payload)
}

func (service *FrontendService) analyzeUpload(ctx echo.Context, name, email string, file *multipart.FileHeader) error {
	if !core.AllowedFile(file.Filename) {
		slog.Info("analyzeHandler: rejected upload", "filename", file.Filename)
		return service.redirectWithFlash(ctx, msgFileTypeNotAllowed)
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open uploaded file %q: %w", file.Filename, err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			slog.Error("analyzeHandler: failed to close uploaded file reader", "error", cerr, "filename", file.Filename)
		}
	}()

	stored, err := service.coreService.StoreUpload(file.Filename, src)
	if errors.Is(err, core.ErrUnsupportedFileType) || errors.Is(err, core.ErrInvalidFilename) {
		slog.Info("analyzeHandler: rejected upload", "filename", file.Filename, "error", err)
		return service.redirectWithFlash(ctx, msgFileTypeNotAllowed)
	}
	if err != nil {
		return err
	}

	result, err := service.coreService.AnalyzeUpload(ctx.Request().Context(), stored)
	if err != nil {
		slog.Error("analyzeHandler: analysis failed for upload",
			"status", http.StatusInternalServerError, "filename", stored, "error", err)
		return service.renderError(ctx, http.StatusInternalServerError, msgUploadModelError)
	}
	return service.renderResult(ctx, name, email, stored, result)
}

func (service *FrontendService) analyzeWebcam(ctx echo.Context, name, email, payload string) error {
	data, err := core.DecodeWebcamPayload(payload)
	if err != nil {
		slog.Info("analyzeHandler: invalid webcam payload", "error", err)
		return service.redirectWithFlash(ctx, msgInvalidWebcamData)
	}

	stored, err := service.coreService.StoreWebcam(data)
	if err != nil {
		return err
	}

	result, err := service.coreService.AnalyzeWebcam(ctx.Request().Context(), data)
	if err != nil {
		slog.Error("analyzeHandler: analysis failed for webcam image",
			"status", http.StatusInternalServerError, "filename", stored, "error", err)
		return service.renderError(ctx, http.StatusInternalServerError, msgWebcamModelError)
	}
	return service.renderResult(ctx, name, email, stored, result)
}

func (service *FrontendService) renderResult(ctx echo.Context, name, email, filename string, result emotion.Result) error {
	submission := service.coreService.RecordSubmission(ctx.Request().Context(), name, email, filename, result)
	return ctx.Render(http.StatusOK, resultPageName, resultPage{
		Title:           "Result",
		Name:            submission.Name,
		DominantEmotion: submission.Emotion,
		Filename:        submission.AnnotatedFilename,
		Emotions:        sortedScores(result.Emotion),
	})
}

// sortedScores orders confidences from highest to lowest, ties by label.
func sortedScores(confidences map[string]float64) []emotionScore {
	scores := make([]emotionScore, 0, len(confidences))
	for label, score := range confidences {
		scores = append(scores, emotionScore{Label: label, Score: score})
	}
	slices.SortFunc(scores, func(a, b emotionScore) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.Label, b.Label)
	})
	return scores
}

func (service *FrontendService) redirectWithFlash(ctx echo.Context, message string) error {
	if err := service.flashStore.Add(ctx, FlashMessage{Category: flashCategoryError, Message: message}); err != nil {
		slog.Error("redirectWithFlash: failed to store flash message", "message", message, "error", err)
	}
	return ctx.Redirect(http.StatusFound, "/")
}

func (service *FrontendService) uploadsHandler(ctx echo.Context) error {
	path, err := service.coreService.UploadPath(ctx.Param("name"))
	if err != nil {
		slog.Warn("uploadsHandler: rejected file name", "status", http.StatusNotFound, "error", err)
		return echo.ErrNotFound
	}
	return ctx.File(path)
}

func (service *FrontendService) thumbnailHandler(ctx echo.Context) error {
	name := ctx.Param("name")
	thumbnail, err := service.coreService.Thumbnail(name)
	if err != nil {
		slog.Warn("thumbnailHandler: thumbnail not available",
			"status", http.StatusNotFound, "filename", name, "error", err)
		return echo.ErrNotFound
	}
	ctx.Response().Header().Set("Cache-Control", "public, max-age=86400")
	return ctx.Blob(http.StatusOK, mimePNG, thumbnail)
}

func (service *FrontendService) historyHandler(ctx echo.Context) error {
	var query historyQuery
	if err := ctx.Bind(&query); err != nil {
		return err
	}
	if err := ctx.Validate(&query); err != nil {
		return err
	}

	submissions, err := service.coreService.History(ctx.Request().Context(), query.Limit)
	if err != nil {
		slog.Error("historyHandler: failed to list submissions",
			"status", http.StatusInternalServerError, "error", err)
		return service.renderError(ctx, http.StatusInternalServerError, msgHistoryUnavailable)
	}
	return ctx.Render(http.StatusOK, historyPageName, historyPage{Title: "History", Submissions: submissions})
}

func (service *FrontendService) downloadHistoryHandler(ctx echo.Context) error {
	var buf bytes.Buffer
	if err := service.coreService.WriteHistoryCSV(ctx.Request().Context(), &buf, 0); err != nil {
		slog.Error("downloadHistoryHandler: failed to export history",
			"status", http.StatusInternalServerError, "error", err)
		return service.renderError(ctx, http.StatusInternalServerError, msgExportUnavailable)
	}
	ctx.Response().Header().Set(echo.HeaderContentDisposition, "attachment; filename=history.csv")
	return ctx.Blob(http.StatusOK, mimeCSV, buf.Bytes())
}

// healthHandler reports liveness. The database state is informational and never changes the status code.
func (service *FrontendService) healthHandler(ctx echo.Context) error {
	dbState := "ok"
	if !service.coreService.Ping() {
		dbState = "unavailable"
	}
	return ctx.JSON(http.StatusOK, healthResponse{
		Status:   "ok",
		Time:     time.Now().UTC().Format(time.RFC3339Nano),
		Database: dbState,
	})
}

func (service *FrontendService) iconHandler(ctx echo.Context) error {
	// Cache for 7 days
	ctx.Response().Header().Set("Cache-Control", "public, max-age=604800, immutable")
	return ctx.Blob(http.StatusOK, mimeSVG, iconSVG)
}

func (service *FrontendService) iconPNGHandler(ctx echo.Context) error {
	data, err := imageprocessing.RenderSVGToPNG(iconSVG, iconPNGSize, iconPNGSize)
	if err != nil {
		slog.Error("iconPNGHandler: failed to render icon", "status", http.StatusInternalServerError, "error", err)
		return ctx.String(http.StatusInternalServerError, "Failed to load icon")
	}
	ctx.Response().Header().Set("Cache-Control", "public, max-age=604800, immutable")
	return ctx.Blob(http.StatusOK, mimePNG, data)
}

func (service *FrontendService) renderError(ctx echo.Context, status int, message string) error {
	return ctx.Render(status, errorPageName, errorPage{Title: "Error", Message: message})
}

// httpErrorHandler renders every error that reaches echo as the HTML error page.
func (service *FrontendService) httpErrorHandler(err error, ctx echo.Context) {
	if ctx.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.Code
	}

	var message string
	switch {
	case status == http.StatusNotFound:
		message = msgNotFound
	case status >= http.StatusInternalServerError:
		message = msgServerError
		slog.Error("httpErrorHandler: request failed",
			"method", ctx.Request().Method, "path", ctx.Request().URL.Path, "status", status, "error", err)
	default:
		message = fmt.Sprintf("%s (%d)", http.StatusText(status), status)
		slog.Warn("httpErrorHandler: request rejected",
			"method", ctx.Request().Method, "path", ctx.Request().URL.Path, "status", status, "error", err)
	}

	if ctx.Request().Method == http.MethodHead {
		err = ctx.NoContent(status)
	} else {
		err = service.renderError(ctx, status, message)
	}
	if err != nil {
		slog.Error("httpErrorHandler: failed to render error page", "status", status, "error", err)
	}
}
