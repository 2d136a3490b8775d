package emotion

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	defaultDeepFaceURL = "http://localhost:5005"
	analyzePath        = "/analyze"
	maxErrorBodyBytes  = 512
)

// DeepFaceClient implements Classifier against a DeepFace compatible REST service.
type DeepFaceClient struct {
	parsedURL *url.URL
	client    *http.Client
}

// NewDeepFaceClient validates baseURL and creates the client. A zero timeout means none.
func NewDeepFaceClient(baseURL string, timeout time.Duration) (*DeepFaceClient, error) {
	if baseURL == "" {
		baseURL = defaultDeepFaceURL
	}
	parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid classifier URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid classifier URL scheme %q: must be http or https", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, errors.New("invalid classifier URL: missing host")
	}
	return &DeepFaceClient{
		parsedURL: parsed,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

type analyzeRequest struct {
	Img     string   `json:"img"`
	Actions []string `json:"actions"`
}

func (c *DeepFaceClient) Classify(ctx context.Context, input Input) ([]FaceAnalysis, error) {
	img, err := encodeInput(input)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(analyzeRequest{Img: img, Actions: []string{"emotion"}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.parsedURL.JoinPath(analyzePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier request failed: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Warn("DeepFaceClient: failed to close response body", "error", cerr)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read classifier response: %w", err)
	}
	slog.Debug("DeepFaceClient: classify complete",
		"status", resp.StatusCode, "latency", time.Since(start), "response_size_bytes", len(respBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := respBody
		if len(snippet) > maxErrorBodyBytes {
			snippet = snippet[:maxErrorBodyBytes]
		}
		return nil, fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	return decodeAnalyzeResponse(respBody)
}

// decodeAnalyzeResponse accepts a single result object, an array of results, or an object
// wrapping the array in "results".
func decodeAnalyzeResponse(body []byte) ([]FaceAnalysis, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrNoFaces
	}

	switch trimmed[0] {
	case '[':
		var results []FaceAnalysis
		if err := json.Unmarshal(trimmed, &results); err != nil {
			return nil, fmt.Errorf("failed to decode classifier results: %w", err)
		}
		return results, nil
	case '{':
		var wrapper struct {
			Results json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, fmt.Errorf("failed to decode classifier response: %w", err)
		}
		if len(wrapper.Results) > 0 && !bytes.Equal(wrapper.Results, []byte("null")) {
			return decodeAnalyzeResponse(wrapper.Results)
		}
		var single FaceAnalysis
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, fmt.Errorf("failed to decode classifier result: %w", err)
		}
		return []FaceAnalysis{single}, nil
	default:
		return nil, fmt.Errorf("unexpected classifier response: %.64q", string(trimmed))
	}
}

func encodeInput(input Input) (string, error) {
	switch {
	case input.Pixels != nil:
		data, err := encodePixelsPNG(input.Pixels)
		if err != nil {
			return "", err
		}
		return toDataURI("image/png", data), nil
	case input.Path != "":
		data, err := os.ReadFile(input.Path)
		if err != nil {
			return "", fmt.Errorf("failed to read image %s: %w", input.Path, err)
		}
		return toDataURI(http.DetectContentType(data), data), nil
	default:
		return "", errors.New("classifier input has neither path nor pixels")
	}
}

func encodePixelsPNG(p *Pixels) ([]byte, error) {
	if p.Width <= 0 || p.Height <= 0 || len(p.Pix) != p.Width*p.Height*3 {
		return nil, fmt.Errorf("invalid pixel buffer: %dx%d with %d bytes", p.Width, p.Height, len(p.Pix))
	}
	img := image.NewNRGBA(image.Rect(0, 0, p.Width, p.Height))
	for i, j := 0, 0; i < len(p.Pix); i, j = i+3, j+4 {
		img.Pix[j] = p.Pix[i]
		img.Pix[j+1] = p.Pix[i+1]
		img.Pix[j+2] = p.Pix[i+2]
		img.Pix[j+3] = 0xff
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode pixels as PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func toDataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
