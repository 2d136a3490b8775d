package database

import (
	"encoding/json"
	"fmt"
	"time"
)

type Submission struct {
	ID                int64              `db:"id"`
	Name              string             `db:"name"`
	Email             string             `db:"email"`
	Filename          string             `db:"filename"`
	AnnotatedFilename string             `db:"annotated_filename"`
	Emotion           string             `db:"emotion"`
	Emotions          map[string]float64 `db:"emotions_json"` // serialized as JSON text
	CreatedAt         time.Time          `db:"created_at"`    // UTC, stored as RFC 3339 text
}

func encodeEmotions(emotions map[string]float64) (string, error) {
	if emotions == nil {
		emotions = map[string]float64{}
	}
	data, err := json.Marshal(emotions)
	if err != nil {
		return "", fmt.Errorf("failed to encode emotions: %w", err)
	}
	return string(data), nil
}

func decodeEmotions(text string) (map[string]float64, error) {
	emotions := map[string]float64{}
	if text == "" {
		return emotions, nil
	}
	if err := json.Unmarshal([]byte(text), &emotions); err != nil {
		return nil, fmt.Errorf("failed to decode emotions: %w", err)
	}
	return emotions, nil
}
