package imageprocessing

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"log/slog"
)

// ScaleToWidth decodes an image, scales it to width while preserving the aspect ratio and
// returns it as PNG. Images already narrower than width are only re-encoded.
func ScaleToWidth(data []byte, width int) ([]byte, error) {
	if width <= 0 {
		return nil, fmt.Errorf("width must be positive, got %d", width)
	}
	img, format, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	originalWidth, originalHeight := bounds.Dx(), bounds.Dy()
	if originalWidth == 0 || originalHeight == 0 {
		return nil, fmt.Errorf("image has no pixels")
	}
	targetWidth := min(width, originalWidth)
	targetHeight := max(1, originalHeight*targetWidth/originalWidth)

	slog.Debug("ScaleToWidth: scaling image",
		"format", format,
		"original_width", originalWidth,
		"original_height", originalHeight,
		"target_width", targetWidth,
		"target_height", targetHeight)

	src := image.NewNRGBA(image.Rect(0, 0, originalWidth, originalHeight))
	draw.Draw(src, src.Bounds(), img, bounds.Min, draw.Src)

	// nearest-neighbor sampling
	dst := image.NewNRGBA(image.Rect(0, 0, targetWidth, targetHeight))
	parallelFor(targetHeight, func(y int) {
		srcY := min(y*originalHeight/targetHeight, originalHeight-1)
		for x := 0; x < targetWidth; x++ {
			srcX := min(x*originalWidth/targetWidth, originalWidth-1)
			dst.SetNRGBA(x, y, src.NRGBAAt(srcX, srcY))
		}
	})

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode scaled PNG image: %w", err)
	}
	return buf.Bytes(), nil
}
