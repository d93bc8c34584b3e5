// Package imageprocessor turns raw image bytes into ranked ImageNet predictions.
//
// The package owns the fixed preprocessing contract (decode, EXIF orientation,
// 224x224 bilinear resize, BGR mean subtraction) and the local ONNX backend.
// Remote backends live in their own packages and implement Client.
package imageprocessor

import (
	"context"
	"errors"
	"fmt"
)

// DefaultTopK is the number of predictions returned when none is configured.
const DefaultTopK = 3

// Prediction is a single ranked classifier output.
type Prediction struct {
	ClassID    string  `json:"class_id"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Client classifies an image. Predictions are ordered by descending confidence.
type Client interface {
	Classify(ctx context.Context, imageBytes []byte) ([]Prediction, error)
}

// DecodeFailure reports input that could not be decoded as an image.
type DecodeFailure struct {
	Err error
}

func (e *DecodeFailure) Error() string {
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeFailure) Unwrap() error { return e.Err }

// InferenceFailure reports a fault inside the classifier itself: missing
// weights, shape mismatch, runtime errors or an unreachable remote backend.
type InferenceFailure struct {
	Backend string
	Err     error
}

func (e *InferenceFailure) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("inference failed: %v", e.Err)
	}
	return fmt.Sprintf("inference failed (%s): %v", e.Backend, e.Err)
}

func (e *InferenceFailure) Unwrap() error { return e.Err }

// NewInferenceFailure wraps err unless it already is a classification failure.
func NewInferenceFailure(backend string, err error) error {
	if err == nil {
		return nil
	}
	if IsClassificationFailure(err) {
		return err
	}
	return &InferenceFailure{Backend: backend, Err: err}
}

// IsClassificationFailure reports whether err is a DecodeFailure or an InferenceFailure.
func IsClassificationFailure(err error) bool {
	var decodeErr *DecodeFailure
	var inferErr *InferenceFailure
	return errors.As(err, &decodeErr) || errors.As(err, &inferErr)
}
