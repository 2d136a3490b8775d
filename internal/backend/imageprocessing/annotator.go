package imageprocessing

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/srwiley/rasterx"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const (
	labelPadding     = 8
	minFontSize      = 18
	fontWidthDivisor = 20
	annotatedSuffix  = "_annotated.png"
)

var (
	labelBackground = color.NRGBA{R: 0, G: 0, B: 0, A: 180}
	labelForeground = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

// Annotator writes a copy of an image with the emotion label drawn in the top-left corner.
type Annotator struct {
	font *opentype.Font // nil means the built-in bitmap face is used
}

// NewAnnotator loads the TrueType font at fontPath. When that fails the embedded Go Bold face
// is used, and when even that cannot be parsed labels fall back to basicfont.
func NewAnnotator(fontPath string) *Annotator {
	if fontPath != "" {
		f, err := loadFont(fontPath)
		if err == nil {
			slog.Info("annotator font loaded", "path", fontPath)
			return &Annotator{font: f}
		}
		slog.Warn("annotator: configured font unavailable, using embedded face", "path", fontPath, "error", err)
	}

	f, err := opentype.Parse(gobold.TTF)
	if err != nil {
		slog.Warn("annotator: failed to parse embedded font, using basic face", "error", err)
		return &Annotator{}
	}
	return &Annotator{font: f}
}

// Annotate never fails: on any error it logs and returns the base name of imagePath so callers
// can show the original image instead.
func (a *Annotator) Annotate(imagePath, label string) string {
	name, err := a.annotate(imagePath, label)
	if err != nil {
		slog.Error("Annotate: failed to annotate image", "path", imagePath, "label", label, "error", err)
		return filepath.Base(imagePath)
	}
	return name
}

func (a *Annotator) annotate(imagePath, label string) (string, error) {
	src, format, err := DecodeImageFile(imagePath)
	if err != nil {
		return "", err
	}
	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return "", fmt.Errorf("image %s has no pixels", imagePath)
	}

	face, closeFace, err := a.face(fontSizeFor(width))
	if err != nil {
		return "", err
	}
	defer closeFace()

	text := "Emotion: " + label
	metrics := face.Metrics()
	textWidth := font.MeasureString(face, text).Ceil()
	textHeight := (metrics.Ascent + metrics.Descent).Ceil()
	box := image.Rect(0, 0, textWidth+labelPadding*2, textHeight+labelPadding*2)

	var final image.Image
	if hasAlphaChannel(src) {
		canvas := image.NewNRGBA(image.Rect(0, 0, width, height))
		draw.Draw(canvas, canvas.Bounds(), src, bounds.Min, draw.Src)
		drawLabel(canvas, box, face, text)
		final = canvas
	} else {
		canvas := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.Draw(canvas, canvas.Bounds(), src, bounds.Min, draw.Src)

		// blending a translucent fill requires a separate layer composited over the opaque base
		overlay := image.NewRGBA(canvas.Bounds())
		drawLabel(overlay, box, face, text)
		draw.Draw(canvas, canvas.Bounds(), overlay, image.Point{}, draw.Over)
		final = flattenOpaque(canvas)
	}

	annotatedPath := strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + annotatedSuffix
	if err := writePNG(annotatedPath, final); err != nil {
		return "", err
	}

	slog.Debug("Annotate: wrote annotated image",
		"source_format", format, "width", width, "height", height, "path", annotatedPath)
	return filepath.Base(annotatedPath), nil
}

func loadFont(path string) (*opentype.Font, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return opentype.Parse(data)
}

func fontSizeFor(width int) int {
	return max(minFontSize, width/fontWidthDivisor)
}

func (a *Annotator) face(size int) (font.Face, func(), error) {
	if a.font == nil {
		return basicfont.Face7x13, func() {}, nil
	}
	face, err := opentype.NewFace(a.font, &opentype.FaceOptions{
		Size:    float64(size),
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create font face: %w", err)
	}
	return face, func() {
		if cerr := face.Close(); cerr != nil {
			slog.Warn("Annotate: failed to close font face", "error", cerr)
		}
	}, nil
}

// drawLabel rasterizes the translucent box and then the text onto dst.
func drawLabel(dst draw.Image, box image.Rectangle, face font.Face, text string) {
	b := dst.Bounds()
	scanner := rasterx.NewScannerGV(b.Dx(), b.Dy(), dst, b)
	filler := rasterx.NewFiller(b.Dx(), b.Dy(), scanner)
	filler.SetColor(labelBackground)
	rasterx.AddRect(float64(box.Min.X), float64(box.Min.Y), float64(box.Max.X), float64(box.Max.Y), 0, filler)
	filler.Draw()

	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelForeground),
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.I(labelPadding),
			Y: fixed.I(labelPadding) + face.Metrics().Ascent,
		},
	}
	drawer.DrawString(text)
}

// flattenOpaque drops the alpha channel, yielding an opaque RGB image.
func flattenOpaque(src *image.RGBA) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(b)
	parallelFor(b.Dy(), func(y int) {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.RGBAAt(x, b.Min.Y+y)).(color.NRGBA)
			c.A = 0xff
			dst.SetNRGBA(x, b.Min.Y+y, c)
		}
	})
	return dst
}

func writePNG(path string, img image.Image) (err error) {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", path, cerr)
		}
	}()
	if err := png.Encode(out, img); err != nil {
		return fmt.Errorf("failed to encode PNG %s: %w", path, err)
	}
	return nil
}
