package recycling

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/example/recycle-check/internal/imageprocessor"
)

// DefaultModelName appears in reasoning strings.
const DefaultModelName = "ResNet50"

// Outcome is the result of classifying one item.
type Outcome struct {
	Type         MaterialType `json:"type"`
	Brand        Brand        `json:"brand"`
	Confidence   float64      `json:"confidence"`
	Decision     Decision     `json:"decision"`
	Reasoning    string       `json:"reasoning"`
	Label        string       `json:"label,omitempty"`
	FallbackUsed bool         `json:"fallback_used,omitempty"`
}

// Degraded reports whether the outcome stands in for a failed classification.
func (o Outcome) Degraded() bool {
	return o.Type == UnknownType && o.Brand == UnknownBrand && o.Confidence == 0
}

// Reproducible reports whether classifying the same bytes again with a
// deterministic classifier would yield the same outcome.
func (o Outcome) Reproducible() bool {
	return !o.Degraded() && !o.FallbackUsed
}

// DegradedOutcome is the outcome for an image that could not be classified.
func DegradedOutcome(err error) Outcome {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Outcome{
		Type:       UnknownType,
		Brand:      UnknownBrand,
		Confidence: 0,
		Decision:   Decide(0),
		Reasoning:  "Prediction failed: " + msg,
	}
}

// Pipeline runs classifier → label mapper → decision policy. It holds no
// per-call state and is safe for concurrent use when its classifier is.
type Pipeline struct {
	classifier imageprocessor.Client
	mapper     Mapper
	modelName  string
	logger     *zap.Logger
}

// PipelineOption customises a Pipeline.
type PipelineOption func(*Pipeline)

// WithModelName sets the model name used in reasoning strings.
func WithModelName(name string) PipelineOption {
	return func(p *Pipeline) {
		if name != "" {
			p.modelName = name
		}
	}
}

// NewPipeline wires a classifier and mapper.
func NewPipeline(classifier imageprocessor.Client, mapper Mapper, logger *zap.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		classifier: classifier,
		mapper:     mapper,
		modelName:  DefaultModelName,
		logger:     logger.Named("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type classifyResult struct {
	preds []imageprocessor.Prediction
	err   error
}

// ClassifyItem classifies imageBytes. It never fails: decode and inference
// faults, classifier panics and an expired ctx all produce a degraded
// Reject outcome whose reasoning describes the failure.
func (p *Pipeline) ClassifyItem(ctx context.Context, imageBytes []byte) Outcome {
	preds, err := p.classify(ctx, imageBytes)
	if err != nil {
		p.logger.Warn("classification degraded", zap.Error(err))
		return DegradedOutcome(err)
	}

	top := preds[0]
	mapping := p.mapper.MapDetailed(top.Label)
	reasoning := fmt.Sprintf("%s predicted '%s' (%.2f) → mapped to %s, %s",
		p.modelName, top.Label, top.Confidence, mapping.Type, mapping.Brand)
	if mapping.FallbackUsed {
		reasoning += fmt.Sprintf(" (type chosen by %s fallback)", p.mapper.fallbackName())
	}

	return Outcome{
		Type:         mapping.Type,
		Brand:        mapping.Brand,
		Confidence:   top.Confidence,
		Decision:     Decide(top.Confidence),
		Reasoning:    reasoning,
		Label:        top.Label,
		FallbackUsed: mapping.FallbackUsed,
	}
}

func (p *Pipeline) classify(ctx context.Context, imageBytes []byte) ([]imageprocessor.Prediction, error) {
	if p.classifier == nil {
		return nil, &imageprocessor.InferenceFailure{Err: errors.New("no classifier configured")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &imageprocessor.InferenceFailure{Err: err}
	}

	done := make(chan classifyResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- classifyResult{err: &imageprocessor.InferenceFailure{Err: fmt.Errorf("classifier panic: %v", r)}}
			}
		}()
		preds, err := p.classifier.Classify(ctx, imageBytes)
		done <- classifyResult{preds: preds, err: err}
	}()

	var res classifyResult
	select {
	case res = <-done:
	case <-ctx.Done():
		return nil, &imageprocessor.InferenceFailure{Err: ctx.Err()}
	}

	if res.err != nil {
		return nil, imageprocessor.NewInferenceFailure("", res.err)
	}
	if len(res.preds) == 0 {
		return nil, &imageprocessor.InferenceFailure{Err: errors.New("classifier returned no predictions")}
	}
	if c := res.preds[0].Confidence; math.IsNaN(c) || c < 0 || c > 1 {
		return nil, &imageprocessor.InferenceFailure{Err: fmt.Errorf("confidence %v outside [0,1]", c)}
	}
	return res.preds, nil
}

func (m Mapper) fallbackName() string {
	if m.Fallback == nil {
		return defaultMapper.Fallback.Name()
	}
	return m.Fallback.Name()
}
