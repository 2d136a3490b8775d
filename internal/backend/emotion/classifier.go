package emotion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrNoFaces is returned when the classifier produced no result at all.
var ErrNoFaces = errors.New("classifier returned no results")

// Classifier is the boundary to the external emotion-recognition model.
type Classifier interface {
	Classify(ctx context.Context, input Input) ([]FaceAnalysis, error)
}

// Input carries exactly one of Path or Pixels.
type Input struct {
	Path   string  // image file handed to the model as-is
	Pixels *Pixels // decoded raster
}

// Pixels is a row-major RGB raster, three bytes per pixel.
type Pixels struct {
	Width  int
	Height int
	Pix    []byte
}

// FaceAnalysis is one per-face result as reported by the model.
type FaceAnalysis struct {
	DominantEmotion *string     `json:"dominant_emotion"`
	Emotion         Confidences `json:"emotion"`
	Region          *Region     `json:"region"`
}

// Region is the detected face box. W and H are nil when the model omitted them.
type Region struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	W *float64 `json:"w"`
	H *float64 `json:"h"`
}

func (r *Region) hasSize() bool {
	return r != nil && r.W != nil && r.H != nil
}

func (r *Region) area() float64 {
	return *r.W * *r.H
}

// Confidences maps emotion labels to scores. Anything other than a JSON object decodes to an
// empty map; numeric strings and booleans are coerced to float64. NaN and infinities become 0.
type Confidences map[string]float64

func (c *Confidences) UnmarshalJSON(data []byte) error {
	result := Confidences{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		*c = result
		return nil
	}

	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return err
	}
	for label, value := range raw {
		score, err := coerceFloat(value)
		if err != nil {
			return fmt.Errorf("confidence for %q: %w", label, err)
		}
		result[label] = score
	}
	*c = result
	return nil
}

func coerceFloat(raw json.RawMessage) (float64, error) {
	var v any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&v); err != nil {
		return 0, err
	}
	switch value := v.(type) {
	case json.Number:
		return parseFinite(value.String())
	case string:
		return parseFinite(value)
	case bool:
		if value {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %s to float", string(raw))
	}
}

// parseFinite parses s, mapping NaN and out-of-range values to 0.
func parseFinite(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, err
	}
	return finite(f), nil
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
