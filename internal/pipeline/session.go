package pipeline

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Brownie44l1/hcr-api/internal/canvas"
	"github.com/Brownie44l1/hcr-api/internal/logging"
	"github.com/Brownie44l1/hcr-api/internal/rank"
)

// ErrStale is returned by Predict when a newer request or a Clear
// superseded it before it finished.
var ErrStale = errors.New("prediction superseded")

// Outcome is a delivered prediction.
type Outcome struct {
	Generation uint64
	Result     rank.Result
	Err        error
}

// Session is one user's drawing surface plus its prediction state. Requests
// are numbered; only the most recent one may deliver.
type Session struct {
	ID string

	surface    *canvas.Surface
	classifier Classifier
	logger     *slog.Logger

	mu     sync.Mutex
	gen    uint64
	latest *Outcome

	// deliverMu orders callbacks so an older result can never land after
	// a newer one.
	deliverMu sync.Mutex

	// beforeSnapshot runs between numbering a request and reading the
	// surface. Tests only.
	beforeSnapshot func()
}

// NewSession creates a session around surface.
func NewSession(surface *canvas.Surface, c Classifier, logger *slog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:         id,
		surface:    surface,
		classifier: c,
		logger:     logging.OrDiscard(logger).With("session", id),
	}
}

// Surface returns the session's drawing surface.
func (s *Session) Surface() *canvas.Surface { return s.surface }

// Generation returns the number of the most recent request.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Latest returns the most recent accepted outcome.
func (s *Session) Latest() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return Outcome{}, false
	}
	return *s.latest, true
}

// Clear wipes the surface and discards the last result. An in-flight
// prediction is not cancelled, but its result will be dropped.
func (s *Session) Clear() {
	s.surface.Clear()
	s.mu.Lock()
	s.gen++
	s.latest = nil
	s.mu.Unlock()
}

// begin numbers a new request and then snapshots the surface, so a Clear
// that lands in between leaves the request stale.
func (s *Session) begin() (uint64, *image.RGBA) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	if s.beforeSnapshot != nil {
		s.beforeSnapshot()
	}
	return gen, s.surface.Snapshot()
}

// accept records o if it is still current.
func (s *Session) accept(o Outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Generation != s.gen {
		return false
	}
	if o.Err == nil {
		s.latest = &o
	}
	return true
}

// Predict classifies the current drawing and blocks until done.
func (s *Session) Predict(ctx context.Context) (rank.Result, error) {
	gen, snap := s.begin()
	res, err := s.classifier.Classify(ctx, snap)
	if !s.accept(Outcome{Generation: gen, Result: res, Err: err}) {
		return rank.Result{}, ErrStale
	}
	return res, err
}

// PredictAsync snapshots the surface now and classifies it in the
// background. deliver is called only if no newer request or Clear happened
// in the meantime. Drawing may continue while the request is pending.
func (s *Session) PredictAsync(ctx context.Context, deliver func(Outcome)) uint64 {
	gen, snap := s.begin()

	go func() {
		res, err := s.classifier.Classify(ctx, snap)
		o := Outcome{Generation: gen, Result: res, Err: err}

		s.deliverMu.Lock()
		defer s.deliverMu.Unlock()
		if !s.accept(o) {
			s.logger.Debug("dropping stale prediction", "generation", gen)
			return
		}
		if deliver != nil {
			deliver(o)
		}
	}()
	return gen
}
