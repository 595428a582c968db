package model

import (
	"context"
	"fmt"
)

// Engine runs forward passes against one artifact of a Loader.
type Engine struct {
	loader   *Loader
	artifact string
}

// NewEngine binds an engine to artifact.
func NewEngine(loader *Loader, artifact string) *Engine {
	return &Engine{loader: loader, artifact: artifact}
}

// Artifact returns the artifact id the engine serves.
func (e *Engine) Artifact() string { return e.artifact }

// Handle returns the loaded artifact, or a NotReadyError.
func (e *Engine) Handle() (*Handle, error) {
	h, ok := e.loader.Handle(e.artifact)
	if !ok {
		return nil, &NotReadyError{Artifact: e.artifact, State: e.loader.State(e.artifact)}
	}
	return h, nil
}

// Predict returns the unordered per-class scores for tensor. It fails
// immediately with a NotReadyError unless the artifact is Ready; calls are
// never queued behind a load.
func (e *Engine) Predict(ctx context.Context, tensor []float32) ([]float32, error) {
	h, err := e.Handle()
	if err != nil {
		return nil, err
	}
	return h.Predict(ctx, tensor)
}

// Predict runs the handle's model on tensor, checking both ends against the
// manifest.
func (h *Handle) Predict(ctx context.Context, tensor []float32) ([]float32, error) {
	if want := h.Metadata.InputLen(); len(tensor) != want {
		return nil, &ShapeMismatchError{What: "input tensor", Want: fmt.Sprint(want), Got: fmt.Sprint(len(tensor))}
	}
	out, err := h.runner.Run(ctx, tensor)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	if len(out) != len(h.Labels) {
		return nil, &ShapeMismatchError{What: "model output", Want: fmt.Sprint(len(h.Labels)), Got: fmt.Sprint(len(out))}
	}
	return out, nil
}
