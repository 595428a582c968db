// Package pipeline wires a drawing surface to the resample -> normalize ->
// infer -> rank chain and enforces last-call-wins delivery of results.
package pipeline

import (
	"context"
	"image"

	"github.com/Brownie44l1/hcr-api/internal/model"
	"github.com/Brownie44l1/hcr-api/internal/preprocess"
	"github.com/Brownie44l1/hcr-api/internal/rank"
)

// Classifier turns a surface snapshot into a ranking.
type Classifier interface {
	Classify(ctx context.Context, snapshot image.Image) (rank.Result, error)
}

// Pipeline is the stateless classification chain shared by sessions. Ink
// polarity, label table and output kind come from the loaded artifact.
type Pipeline struct {
	Engine    *model.Engine
	Resampler *preprocess.Resampler
	InputSize int
	TopK      int
}

// Classify runs the full chain. It fails fast with a NotReadyError when the
// model is not loaded.
func (p *Pipeline) Classify(ctx context.Context, snapshot image.Image) (rank.Result, error) {
	h, err := p.Engine.Handle()
	if err != nil {
		return rank.Result{}, err
	}
	img := p.Resampler.Resample(snapshot, p.InputSize)
	tensor, err := preprocess.Normalizer{Size: p.InputSize, Polarity: h.Polarity()}.Normalize(img)
	if err != nil {
		return rank.Result{}, err
	}
	return p.Rank(ctx, tensor)
}

// Rank scores an already-normalized tensor.
func (p *Pipeline) Rank(ctx context.Context, tensor []float32) (rank.Result, error) {
	h, err := p.Engine.Handle()
	if err != nil {
		return rank.Result{}, err
	}
	scores, err := p.Engine.Predict(ctx, tensor)
	if err != nil {
		return rank.Result{}, err
	}
	return rank.Ranker{Labels: h.Labels, Output: h.Output()}.Rank(scores, p.TopK)
}
