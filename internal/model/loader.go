package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Brownie44l1/hcr-api/internal/logging"
)

// ManifestFile is the manifest name inside every artifact.
const ManifestFile = "metadata.json"

// Runner executes a forward pass. Run must release any transient resources
// it allocates before returning.
type Runner interface {
	Run(ctx context.Context, input []float32) ([]float32, error)
	Close() error
}

// Opener builds a Runner for a validated manifest.
type Opener func(ctx context.Context, src Source, artifact string, meta Metadata) (Runner, error)

// Handle is a loaded artifact.
type Handle struct {
	Artifact string
	Metadata Metadata
	Labels   []string
	runner   Runner
}

// Polarity is the ink polarity the artifact was trained with.
func (h *Handle) Polarity() Polarity { return h.Metadata.InkPolarity }

// Output says whether Run yields logits or probabilities.
func (h *Handle) Output() OutputKind { return h.Metadata.Output }

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// InputSize is N; artifacts must accept N×N×1 input.
	InputSize int
	// Labels overrides the manifest class table. C = len(labels).
	Labels []string
	// DefaultPolarity and DefaultOutput apply when the manifest omits them.
	DefaultPolarity Polarity
	DefaultOutput   OutputKind
	// FetchTimeout bounds one load attempt. Zero means no limit.
	FetchTimeout time.Duration
	// Backends maps manifest formats to openers. Nil uses DefaultBackends.
	Backends map[string]Opener
	Logger   *slog.Logger
}

// DefaultBackends returns the built-in openers.
func DefaultBackends() map[string]Opener {
	return map[string]Opener{
		"layers": OpenLayers,
		"onnx":   OpenONNX,
	}
}

type entry struct {
	state  State
	handle *Handle
	err    error
}

// Loader fetches artifacts once and caches the handle for the Loader's
// lifetime. Each Loader is independent; nothing is cached globally.
type Loader struct {
	src    Source
	opts   LoaderOptions
	logger *slog.Logger
	group  singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	fetches map[string]int
	closed  bool
}

// NewLoader creates a loader reading artifacts from src.
func NewLoader(src Source, opts LoaderOptions) *Loader {
	if opts.Backends == nil {
		opts.Backends = DefaultBackends()
	}
	if opts.DefaultPolarity == "" {
		opts.DefaultPolarity = DarkOnLight
	}
	if opts.DefaultOutput == "" {
		opts.DefaultOutput = Logits
	}
	return &Loader{
		src:     src,
		opts:    opts,
		logger:  logging.OrDiscard(opts.Logger),
		entries: make(map[string]*entry),
		fetches: make(map[string]int),
	}
}

// State returns the current state of artifact. It has no side effects.
func (l *Loader) State(artifact string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[artifact]; ok {
		return e.state
	}
	return State{Phase: Unloaded}
}

// Handle returns the loaded handle if artifact is Ready.
func (l *Loader) Handle(artifact string) (*Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[artifact]
	if !ok || e.state.Phase != Ready {
		return nil, false
	}
	return e.handle, true
}

// Fetches reports how many fetches were started for artifact.
func (l *Loader) Fetches(artifact string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fetches[artifact]
}

// Load returns the handle for artifact, fetching it if needed. Concurrent
// callers share one in-flight fetch. A Failed artifact returns its stored
// error until Retry is called. Cancelling ctx detaches the caller but does
// not abort the fetch.
func (l *Loader) Load(ctx context.Context, artifact string) (*Handle, error) {
	l.mu.Lock()
	e, ok := l.entries[artifact]
	if !ok {
		e = &entry{state: State{Phase: Unloaded}}
		l.entries[artifact] = e
	}
	switch e.state.Phase {
	case Ready:
		h := e.handle
		l.mu.Unlock()
		return h, nil
	case Failed:
		err := e.err
		l.mu.Unlock()
		return nil, err
	case Unloaded:
		e.state = State{Phase: Loading}
		l.logger.Info("loading artifact", "artifact", artifact)
	}
	l.mu.Unlock()

	return l.wait(ctx, artifact)
}

// Start begins loading artifact in the background.
func (l *Loader) Start(artifact string) {
	go func() {
		if _, err := l.Load(context.Background(), artifact); err != nil {
			l.logger.Warn("artifact load failed", "artifact", artifact, "error", err)
		}
	}()
}

// Retry moves a Failed artifact back to Loading and loads it again.
func (l *Loader) Retry(ctx context.Context, artifact string) (*Handle, error) {
	l.mu.Lock()
	e, ok := l.entries[artifact]
	if !ok || e.state.Phase != Failed {
		st := State{Phase: Unloaded}
		if ok {
			st = e.state
		}
		l.mu.Unlock()
		return nil, fmt.Errorf("retry %q from %s: %w", artifact, st.Phase, ErrInvalidTransition)
	}
	e.state = State{Phase: Loading}
	e.err = nil
	l.mu.Unlock()

	l.logger.Info("retrying artifact", "artifact", artifact)
	return l.wait(ctx, artifact)
}

func (l *Loader) wait(ctx context.Context, artifact string) (*Handle, error) {
	ch := l.group.DoChan(artifact, func() (any, error) {
		return l.run(context.WithoutCancel(ctx), artifact)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run performs at most one fetch per Loading episode and publishes the
// outcome.
func (l *Loader) run(ctx context.Context, artifact string) (*Handle, error) {
	l.mu.Lock()
	e := l.entries[artifact]
	switch e.state.Phase {
	case Ready:
		h := e.handle
		l.mu.Unlock()
		return h, nil
	case Failed:
		err := e.err
		l.mu.Unlock()
		return nil, err
	}
	l.fetches[artifact]++
	l.mu.Unlock()

	if l.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.FetchTimeout)
		defer cancel()
	}

	start := time.Now()
	h, err := l.fetch(ctx, artifact)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil && l.closed {
		if cerr := h.runner.Close(); cerr != nil {
			l.logger.Warn("closing late artifact", "artifact", artifact, "error", cerr)
		}
		h, err = nil, &ResourceLoadError{Artifact: artifact, Reason: "loader closed"}
	}
	if err != nil {
		var lerr *ResourceLoadError
		if !errors.As(err, &lerr) {
			err = &ResourceLoadError{Artifact: artifact, Reason: "fetch failed", Err: err}
		}
		e.state = State{Phase: Failed, Reason: reasonOf(err)}
		e.err = err
		l.logger.Error("artifact failed", "artifact", artifact, "reason", e.state.Reason)
		return nil, err
	}
	e.state = State{Phase: Ready}
	e.handle = h
	l.logger.Info("artifact ready",
		"artifact", artifact,
		"format", h.Metadata.Format,
		"classes", len(h.Labels),
		"took", time.Since(start))
	return h, nil
}

func (l *Loader) fetch(ctx context.Context, artifact string) (*Handle, error) {
	fail := func(reason string, err error) error {
		return &ResourceLoadError{Artifact: artifact, Reason: reason, Err: err}
	}

	raw, err := l.src.Fetch(ctx, artifact, ManifestFile)
	if err != nil {
		return nil, fail("fetch manifest", err)
	}
	meta, err := ParseMetadata(raw)
	if err != nil {
		return nil, fail("malformed manifest", err)
	}
	if meta.InkPolarity == "" {
		meta.InkPolarity = l.opts.DefaultPolarity
	}
	if meta.Output == "" {
		meta.Output = l.opts.DefaultOutput
	}
	if meta.InputName == "" {
		meta.InputName = "input"
	}
	if meta.OutputName == "" {
		meta.OutputName = "output"
	}

	labels := l.labels(meta)
	if err := l.checkShape(meta, labels); err != nil {
		return nil, fail("incompatible artifact", err)
	}

	open, ok := l.opts.Backends[meta.Format]
	if !ok {
		return nil, fail(fmt.Sprintf("unsupported format %q", meta.Format), nil)
	}
	runner, err := open(ctx, l.src, artifact, meta)
	if err != nil {
		return nil, fail("open model", err)
	}

	return &Handle{Artifact: artifact, Metadata: meta, Labels: labels, runner: runner}, nil
}

func (l *Loader) labels(meta Metadata) []string {
	switch {
	case len(l.opts.Labels) > 0:
		return append([]string(nil), l.opts.Labels...)
	case len(meta.Classes) > 0:
		return append([]string(nil), meta.Classes...)
	default:
		return AlphabetLabels()
	}
}

func (l *Loader) checkShape(meta Metadata, labels []string) error {
	n := l.opts.InputSize
	if got := meta.InputLen(); got != n*n {
		return &ShapeMismatchError{
			What: "model input",
			Want: fmt.Sprintf("%dx%dx1", n, n),
			Got:  fmt.Sprint(meta.InputShape),
		}
	}
	if meta.ImageSize != 0 && meta.ImageSize != n {
		return &ShapeMismatchError{What: "image size", Want: fmt.Sprint(n), Got: fmt.Sprint(meta.ImageSize)}
	}
	if got := meta.NumClasses(); got != len(labels) {
		return &ShapeMismatchError{What: "model output", Want: fmt.Sprintf("%d classes", len(labels)), Got: fmt.Sprintf("%d", got)}
	}
	if len(meta.Classes) > 0 && len(meta.Classes) != len(labels) {
		return &ShapeMismatchError{What: "class table", Want: fmt.Sprintf("%d labels", len(labels)), Got: fmt.Sprintf("%d", len(meta.Classes))}
	}
	return nil
}

// Close releases every loaded model. The loader must not be used afterwards.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	var errs []error
	for id, e := range l.entries {
		if e.handle != nil {
			if err := e.handle.runner.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %q: %w", id, err))
			}
			e.handle = nil
		}
		e.state = State{Phase: Unloaded}
	}
	return errors.Join(errs...)
}

func reasonOf(err error) string {
	var shape *ShapeMismatchError
	if errors.As(err, &shape) {
		return shape.Error()
	}
	var lerr *ResourceLoadError
	if errors.As(err, &lerr) {
		if lerr.Err != nil {
			return lerr.Reason + ": " + lerr.Err.Error()
		}
		return lerr.Reason
	}
	return err.Error()
}

// AlphabetLabels returns the 26-entry A–Z class table.
func AlphabetLabels() []string {
	labels := make([]string, 26)
	for i := range labels {
		labels[i] = string(rune('A' + i))
	}
	return labels
}
