package emotion

// UnknownEmotion is reported when the classifier did not name a dominant emotion.
const UnknownEmotion = "unknown"

// Result is the normalized outcome of one analysis.
type Result struct {
	DominantEmotion string             `json:"dominant_emotion"`
	Emotion         map[string]float64 `json:"emotion"`
}

// Normalize reduces the model output to a single Result.
//
// When several faces are reported the one with the largest region wins. A result without
// region size is only taken while nothing else has been chosen, and the first result is the
// final fallback.
func Normalize(results []FaceAnalysis) (Result, error) {
	if len(results) == 0 {
		return Result{}, ErrNoFaces
	}

	chosen := -1
	maxArea := -1.0
	for i := range results {
		region := results[i].Region
		if region.hasSize() {
			if area := region.area(); area > maxArea {
				maxArea = area
				chosen = i
			}
		} else if chosen < 0 {
			chosen = i
		}
	}
	if chosen < 0 {
		chosen = 0
	}
	picked := results[chosen]

	dominant := UnknownEmotion
	if picked.DominantEmotion != nil && *picked.DominantEmotion != "" {
		dominant = *picked.DominantEmotion
	}

	emotions := make(map[string]float64, len(picked.Emotion))
	for label, score := range picked.Emotion {
		emotions[label] = finite(score)
	}
	return Result{DominantEmotion: dominant, Emotion: emotions}, nil
}
