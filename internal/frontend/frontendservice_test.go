package frontend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jo-hoe/moodframe/internal/backend/emotion"
	"github.com/jo-hoe/moodframe/internal/core"
	"github.com/labstack/echo/v4"
)

type stubClassifier struct {
	calls int
	err   error
	panic bool
}

func (s *stubClassifier) Classify(_ context.Context, _ emotion.Input) ([]emotion.FaceAnalysis, error) {
	s.calls++
	if s.panic {
		panic("classifier exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	dominant := "happy"
	return []emotion.FaceAnalysis{{
		DominantEmotion: &dominant,
		Emotion:         emotion.Confidences{"happy": 88.25, "sad": 1.5, "neutral": 10.25},
	}}, nil
}

func newTestServer(t *testing.T, classifier emotion.Classifier) *echo.Echo {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.UploadDir = filepath.Join(t.TempDir(), "uploads")
	cfg.FontPath = ""
	cfg.Database.ConnectionString = ":memory:"

	coreService, err := core.NewCoreService(cfg, classifier)
	if err != nil {
		t.Fatalf("NewCoreService error: %v", err)
	}
	t.Cleanup(func() { _ = coreService.Close() })

	e := echo.New()
	NewFrontendService(cfg, coreService, NewCookieFlashStore([]byte(cfg.SecretKey))).SetRoutes(e)
	return e
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 180, B: 160, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

// analyzeRequest builds a multipart POST /analyze. An empty filename omits the file part.
func analyzeRequest(t *testing.T, fields map[string]string, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	if filename != "" {
		part, err := writer.CreateFormFile(formPhoto, filename)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/analyze", &body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	return req
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

// followRedirect loads the index page with the cookies of a redirect response.
func followRedirect(t *testing.T, e *echo.Echo, rec *httptest.ResponseRecorder) string {
	t.Helper()
	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d: %s", rec.Code, rec.Body.String())
	}
	if location := rec.Header().Get(echo.HeaderLocation); location != "/" {
		t.Fatalf("expected redirect to /, got %q", location)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	page := serve(e, req)
	if page.Code != http.StatusOK {
		t.Fatalf("expected index page, got %d", page.Code)
	}
	return page.Body.String()
}

func TestAnalyze_AllowedExtensionsAreAccepted(t *testing.T) {
	for _, name := range []string{"face.png", "face.jpg", "face.jpeg", "face.gif", "FACE.PNG", "Face.JpG"} {
		t.Run(name, func(t *testing.T) {
			classifier := &stubClassifier{}
			e := newTestServer(t, classifier)

			rec := serve(e, analyzeRequest(t, map[string]string{"name": "Ada"}, name, pngBytes(t)))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), "Dominant emotion: happy") {
				t.Errorf("expected result page, got %s", rec.Body.String())
			}
			if classifier.calls != 1 {
				t.Errorf("expected analyzer to run once, ran %d times", classifier.calls)
			}
		})
	}
}

func TestAnalyze_ResultListsScoresHighestFirst(t *testing.T) {
	e := newTestServer(t, &stubClassifier{})

	body := serve(e, analyzeRequest(t, nil, "face.png", pngBytes(t))).Body.String()
	happy := strings.Index(body, "<td>happy</td>")
	neutral := strings.Index(body, "<td>neutral</td>")
	sad := strings.Index(body, "<td>sad</td>")
	if happy < 0 || neutral < 0 || sad < 0 {
		t.Fatalf("expected all scores in result page: %s", body)
	}
	if !(happy < neutral && neutral < sad) {
		t.Errorf("expected happy, neutral, sad order, got offsets %d %d %d", happy, neutral, sad)
	}
	if !strings.Contains(body, "_annotated.png") {
		t.Errorf("expected annotated image in result page")
	}
}

func TestAnalyze_DisallowedExtensionRedirectsWithoutAnalyzing(t *testing.T) {
	for _, name := range []string{"face.bmp", "face.exe", "face", "face.png.txt"} {
		t.Run(name, func(t *testing.T) {
			classifier := &stubClassifier{}
			e := newTestServer(t, classifier)

			rec := serve(e, analyzeRequest(t, nil, name, pngBytes(t)))
			page := followRedirect(t, e, rec)
			if !strings.Contains(page, msgFileTypeNotAllowed) {
				t.Errorf("expected flash %q on index page", msgFileTypeNotAllowed)
			}
			if classifier.calls != 0 {
				t.Errorf("analyzer must not run for %s, ran %d times", name, classifier.calls)
			}
		})
	}
}

func TestAnalyze_MissingImageRedirects(t *testing.T) {
	classifier := &stubClassifier{}
	e := newTestServer(t, classifier)

	page := followRedirect(t, e, serve(e, analyzeRequest(t, map[string]string{"name": "Ada"}, "", nil)))
	if !strings.Contains(page, msgNoImage) {
		t.Errorf("expected flash %q on index page", msgNoImage)
	}

	form := url.Values{"name": {"Ada"}, "webcam_data": {"   "}}
	req := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	page = followRedirect(t, e, serve(e, req))
	if !strings.Contains(page, msgNoImage) {
		t.Errorf("expected flash %q for url-encoded form", msgNoImage)
	}
	if classifier.calls != 0 {
		t.Errorf("analyzer must not run without an image")
	}
}

func TestAnalyze_FlashIsShownOnlyOnce(t *testing.T) {
	e := newTestServer(t, &stubClassifier{})

	rec := serve(e, analyzeRequest(t, nil, "", nil))
	followRedirect(t, e, rec)

	// a page load with the cleared cookie must not show the message again
	first := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		first.AddCookie(c)
	}
	cleared := serve(e, first).Result().Cookies()
	second := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range cleared {
		second.AddCookie(c)
	}
	if body := serve(e, second).Body.String(); strings.Contains(body, msgNoImage) {
		t.Error("flash message shown twice")
	}
}

func TestAnalyze_InvalidWebcamDataRedirects(t *testing.T) {
	classifier := &stubClassifier{}
	e := newTestServer(t, classifier)

	rec := serve(e, analyzeRequest(t, map[string]string{formWebcamData: "data:image/png;base64,@@@"}, "", nil))
	page := followRedirect(t, e, rec)
	if !strings.Contains(page, msgInvalidWebcamData) {
		t.Errorf("expected flash %q on index page", msgInvalidWebcamData)
	}
	if classifier.calls != 0 {
		t.Errorf("analyzer must not run for invalid webcam data")
	}
}

func TestAnalyze_Webcam(t *testing.T) {
	classifier := &stubClassifier{}
	e := newTestServer(t, classifier)

	payload := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t))
	rec := serve(e, analyzeRequest(t, map[string]string{formWebcamData: payload, "email": "a@example.com"}, "", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "webcam_") {
		t.Errorf("expected webcam image in result page")
	}
	if classifier.calls != 1 {
		t.Errorf("expected analyzer to run once, ran %d times", classifier.calls)
	}
}

func TestAnalyze_ModelErrors(t *testing.T) {
	webcam := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t))
	tests := []struct {
		name    string
		fields  map[string]string
		file    string
		message string
	}{
		{name: "upload", file: "face.png", message: msgUploadModelError},
		{name: "webcam", fields: map[string]string{formWebcamData: webcam}, message: msgWebcamModelError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestServer(t, &stubClassifier{err: errors.New("model unavailable")})

			var content []byte
			if tt.file != "" {
				content = pngBytes(t)
			}
			rec := serve(e, analyzeRequest(t, tt.fields, tt.file, content))
			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("expected 500, got %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.message) {
				t.Errorf("expected %q in body, got %s", tt.message, rec.Body.String())
			}
		})
	}
}

func TestAnalyze_PanicBecomesGenericError(t *testing.T) {
	e := newTestServer(t, &stubClassifier{panic: true})

	rec := serve(e, analyzeRequest(t, nil, "face.png", pngBytes(t)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), msgUnexpectedError) {
		t.Errorf("expected generic error message, got %s", rec.Body.String())
	}
}

func TestAnalyze_CorruptImageStillSucceeds(t *testing.T) {
	e := newTestServer(t, &stubClassifier{})

	rec := serve(e, analyzeRequest(t, nil, "broken.jpg", []byte("not really a jpeg")))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 despite annotation failure, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "_annotated.png") {
		t.Errorf("expected fallback to the original image")
	}
}

func TestHealth(t *testing.T) {
	e := newTestServer(t, &stubClassifier{})

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.Status != "ok" {
		t.Errorf("expected status ok, got %q", got.Status)
	}
	if _, err := time.Parse(time.RFC3339Nano, got.Time); err != nil {
		t.Errorf("time %q is not ISO-8601: %v", got.Time, err)
	}
	if got.Database != "ok" {
		t.Errorf("expected database ok, got %q", got.Database)
	}
}

func TestHealth_DatabaseUnavailable(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.UploadDir = filepath.Join(t.TempDir(), "uploads")
	cfg.FontPath = ""
	cfg.Database.ConnectionString = ":memory:"
	coreService, err := core.NewCoreService(cfg, &stubClassifier{})
	if err != nil {
		t.Fatalf("NewCoreService error: %v", err)
	}
	_ = coreService.Close()

	e := echo.New()
	NewFrontendService(cfg, coreService, NewCookieFlashStore([]byte(cfg.SecretKey))).SetRoutes(e)

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 even without a database, got %d", rec.Code)
	}
	var got healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.Status != "ok" || got.Database != "unavailable" {
		t.Errorf("expected status ok and database unavailable, got %+v", got)
	}
}

func TestHistory_ConcurrentRequests(t *testing.T) {
	e := newTestServer(t, &stubClassifier{})

	var wg sync.WaitGroup
	codes := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- serve(e, httptest.NewRequest(http.MethodGet, "/history?limit=5", nil)).Code
		}()
	}
	wg.Wait()
	close(codes)
	for code := range codes {
		if code != http.StatusOK {
			t.Errorf("expected 200, got %d", code)
		}
	}
}

func TestDownloadHistory(t *testing.T) {
	e := newTestServer(t, &stubClassifier{})
	for _, name := range []string{"Ada", "Grace, Hopper"} {
		if rec := serve(e, analyzeRequest(t, map[string]string{"name": name}, "face.png", pngBytes(t))); rec.Code != http.StatusOK {
			t.Fatalf("analyze failed with %d", rec.Code)
		}
	}

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/download_history", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("unexpected content type %q", ct)
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); !strings.Contains(cd, "attachment") {
		t.Errorf("expected attachment disposition, got %q", cd)
	}
	if !strings.HasPrefix(rec.Body.String(), "ID,Name,Email,Filename,AnnotatedFilename,Emotion,Timestamp\n") {
		t.Fatalf("unexpected header row in %q", rec.Body.String())
	}

	records, err := csv.NewReader(rec.Body).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(records))
	}
	for i, record := range records {
		if len(record) != 7 {
			t.Errorf("row %d has %d fields", i, len(record))
		}
	}
	if records[1][1] != "Grace, Hopper" {
		t.Errorf("expected most recent submission first, got %q", records[1][1])
	}
}

func TestHistory(t *testing.T) {
	e := newTestServer(t, &stubClassifier{})
	serve(e, analyzeRequest(t, map[string]string{"name": "<b>Ada</b>"}, "face.png", pngBytes(t)))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/history", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "&lt;b&gt;Ada&lt;/b&gt;") {
		t.Errorf("expected escaped name in history page")
	}
	if strings.Contains(body, "<b>Ada</b>") {
		t.Errorf("user input rendered unescaped")
	}

	for _, query := range []string{"limit=1", "limit=0", "limit=100000"} {
		if rec := serve(e, httptest.NewRequest(http.MethodGet, "/history?"+query, nil)); rec.Code != http.StatusOK {
			t.Errorf("expected 200 for %s, got %d", query, rec.Code)
		}
	}
	for _, query := range []string{"limit=abc", "limit=-1"} {
		if rec := serve(e, httptest.NewRequest(http.MethodGet, "/history?"+query, nil)); rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for %s, got %d", query, rec.Code)
		}
	}
}

func TestUploads(t *testing.T) {
	e := newTestServer(t, &stubClassifier{})
	serve(e, analyzeRequest(t, nil, "face.png", pngBytes(t)))

	records, err := csv.NewReader(serve(e, httptest.NewRequest(http.MethodGet, "/download_history", nil)).Body).ReadAll()
	if err != nil || len(records) != 2 {
		t.Fatalf("expected one exported submission, got %v (%v)", records, err)
	}
	annotated := records[1][4]

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/uploads/"+annotated, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for %s, got %d", annotated, rec.Code)
	}
	if _, err := png.Decode(rec.Body); err != nil {
		t.Errorf("served annotated image is not a PNG: %v", err)
	}

	thumb := serve(e, httptest.NewRequest(http.MethodGet, "/thumbnails/"+annotated, nil))
	if thumb.Code != http.StatusOK {
		t.Fatalf("expected 200 for thumbnail, got %d", thumb.Code)
	}
	img, err := png.Decode(thumb.Body)
	if err != nil {
		t.Fatalf("thumbnail is not a PNG: %v", err)
	}
	if w := img.Bounds().Dx(); w > core.DefaultConfig().ThumbnailWidth {
		t.Errorf("thumbnail wider than configured: %d", w)
	}

	for _, route := range []string{"/uploads/", "/thumbnails/"} {
		for _, name := range []string{"missing.png", ".."} {
			rec := serve(e, httptest.NewRequest(http.MethodGet, route+name, nil))
			if rec.Code != http.StatusNotFound {
				t.Errorf("expected 404 for %s%s, got %d", route, name, rec.Code)
			}
		}
	}
}

func TestNotFoundPage(t *testing.T) {
	e := newTestServer(t, &stubClassifier{})

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), msgNotFound) {
		t.Errorf("expected HTML 404 page, got %s", rec.Body.String())
	}
}

func TestIcons(t *testing.T) {
	e := newTestServer(t, &stubClassifier{})

	svg := serve(e, httptest.NewRequest(http.MethodGet, "/icon.svg", nil))
	if svg.Code != http.StatusOK || svg.Header().Get(echo.HeaderContentType) != mimeSVG {
		t.Errorf("unexpected icon.svg response %d %q", svg.Code, svg.Header().Get(echo.HeaderContentType))
	}

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/icon.png", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("icon.png is not a PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != iconPNGSize || b.Dy() != iconPNGSize {
		t.Errorf("expected %dx%d icon, got %v", iconPNGSize, iconPNGSize, b)
	}
}
