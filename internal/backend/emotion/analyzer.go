package emotion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jo-hoe/moodframe/internal/backend/imageprocessing"
)

// Analyzer is the facade the request flow talks to.
type Analyzer struct {
	classifier Classifier
}

func NewAnalyzer(classifier Classifier) *Analyzer {
	return &Analyzer{classifier: classifier}
}

// AnalyzeFile hands the stored file to the classifier unchanged.
func (a *Analyzer) AnalyzeFile(ctx context.Context, path string) (Result, error) {
	results, err := a.classifier.Classify(ctx, Input{Path: path})
	if err != nil {
		slog.Error("AnalyzeFile: classifier failed", "path", path, "error", err)
		return Result{}, fmt.Errorf("failed to classify %s: %w", path, err)
	}
	result, err := Normalize(results)
	if err != nil {
		slog.Error("AnalyzeFile: failed to normalize result", "path", path, "error", err)
		return Result{}, err
	}
	return result, nil
}

// AnalyzeBytes decodes the image, converts it to RGB and classifies the raster.
func (a *Analyzer) AnalyzeBytes(ctx context.Context, data []byte) (Result, error) {
	img, format, err := imageprocessing.DecodeImage(data)
	if err != nil {
		slog.Error("AnalyzeBytes: failed to decode image", "input_size_bytes", len(data), "error", err)
		return Result{}, err
	}
	pix, width, height := imageprocessing.RGBPixels(img)
	slog.Debug("AnalyzeBytes: decoded image", "format", format, "width", width, "height", height)

	results, err := a.classifier.Classify(ctx, Input{Pixels: &Pixels{Width: width, Height: height, Pix: pix}})
	if err != nil {
		slog.Error("AnalyzeBytes: classifier failed", "error", err)
		return Result{}, fmt.Errorf("failed to classify image bytes: %w", err)
	}
	result, err := Normalize(results)
	if err != nil {
		slog.Error("AnalyzeBytes: failed to normalize result", "error", err)
		return Result{}, err
	}
	return result, nil
}
