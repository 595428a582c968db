// Package canvas captures pointer and touch strokes into a device-resolution
// pixel buffer.
//
// Callers work in logical (CSS) coordinates. The device pixel ratio only sizes
// the backing buffer and never leaves this package: Snapshot returns an image
// at backing resolution, which downstream resampling treats as opaque.
package canvas

import (
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"math"
	"sync"

	"github.com/gogpu/gg"

	"github.com/Brownie44l1/hcr-api/internal/logging"
)

// Mode selects what a stroke paints.
type Mode int

const (
	// Draw paints ink.
	Draw Mode = iota
	// Erase paints the background colour.
	Erase
)

func (m Mode) String() string {
	switch m {
	case Draw:
		return "draw"
	case Erase:
		return "erase"
	default:
		return "unknown"
	}
}

// ParseMode maps "draw"/"erase" to a Mode.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "draw":
		return Draw, true
	case "erase":
		return Erase, true
	}
	return Draw, false
}

// Point is a position in logical surface coordinates.
type Point struct {
	X, Y float64
}

// Options configures a Surface.
type Options struct {
	BrushMin     float64
	BrushMax     float64
	BrushDefault float64
	Background   color.Color
	Ink          color.Color
	Logger       *slog.Logger
}

// DefaultOptions mirrors the demo: a 6–36px brush defaulting to 16px,
// black ink on white.
func DefaultOptions() Options {
	return Options{
		BrushMin:     6,
		BrushMax:     36,
		BrushDefault: 16,
		Background:   color.White,
		Ink:          color.Black,
	}
}

// Surface is a square drawing buffer. It is safe for concurrent use; stroke
// operations never block on anything but the surface's own lock.
type Surface struct {
	mu     sync.Mutex
	dc     *gg.Context
	scale  float64
	css    int
	opts   Options
	logger *slog.Logger

	mode  Mode
	brush float64

	active      bool
	strokeMode  Mode
	strokeWidth float64
	last        Point
}

// New creates a surface cssSize logical pixels wide, backed by a buffer of
// round(cssSize*dpr) pixels. Ratios below 1 are treated as 1.
func New(cssSize int, dpr float64, opts Options) *Surface {
	if dpr < 1 || math.IsNaN(dpr) || math.IsInf(dpr, 0) {
		dpr = 1
	}
	if opts.Background == nil {
		opts.Background = color.White
	}
	if opts.Ink == nil {
		opts.Ink = color.Black
	}
	if opts.BrushMax < opts.BrushMin {
		opts.BrushMax = opts.BrushMin
	}

	px := int(math.Round(float64(cssSize) * dpr))
	s := &Surface{
		dc:     gg.NewContext(px, px),
		scale:  dpr,
		css:    cssSize,
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger),
		mode:   Draw,
	}
	s.brush = s.clampWidth(opts.BrushDefault)
	s.dc.SetLineCap(gg.LineCapRound)
	s.dc.SetLineJoin(gg.LineJoinRound)
	s.fillBackground()
	return s
}

// Size returns the logical edge length.
func (s *Surface) Size() int { return s.css }

// SetMode sets the mode used by strokes begun after this call.
func (s *Surface) SetMode(m Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

// Mode returns the mode for the next stroke.
func (s *Surface) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetBrush sets the clamped brush width used by strokes begun after this call.
func (s *Surface) SetBrush(width float64) {
	s.mu.Lock()
	s.brush = s.clampWidth(width)
	s.mu.Unlock()
}

// Brush returns the width for the next stroke.
func (s *Surface) Brush() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.brush
}

// BeginStroke starts a stroke at p with the given mode and width, and stamps
// a round dot so that a tap without movement still leaves a mark. A stroke
// that was still active is implicitly ended.
func (s *Surface) BeginStroke(p Point, mode Mode, width float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = true
	s.strokeMode = mode
	s.strokeWidth = s.clampWidth(width)
	s.last = p

	s.dc.SetColor(s.paint(mode))
	s.dc.DrawCircle(p.X*s.scale, p.Y*s.scale, s.strokeWidth*s.scale/2)
	if err := s.dc.Fill(); err != nil {
		s.logger.Debug("stroke dot failed", "error", err)
	}
}

// Begin starts a stroke at p using the current mode and brush.
func (s *Surface) Begin(p Point) {
	s.mu.Lock()
	mode, width := s.mode, s.brush
	s.mu.Unlock()
	s.BeginStroke(p, mode, width)
}

// ExtendStroke draws a segment from the last recorded point to p. It is a
// no-op when no stroke is active. A point outside the surface ends the
// stroke, as if the pointer had left.
func (s *Surface) ExtendStroke(p Point) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return
	}
	if !s.contains(p) {
		s.active = false
		return
	}
	s.dc.SetColor(s.paint(s.strokeMode))
	s.dc.SetLineWidth(s.strokeWidth * s.scale)
	s.dc.DrawLine(s.last.X*s.scale, s.last.Y*s.scale, p.X*s.scale, p.Y*s.scale)
	if err := s.dc.Stroke(); err != nil {
		s.logger.Debug("stroke segment failed", "error", err)
	}
	s.last = p
}

// EndStroke terminates the active stroke. Calling it again is harmless.
func (s *Surface) EndStroke() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Leave handles the pointer leaving the surface mid-stroke; it behaves
// exactly like EndStroke so re-entry does not resume drawing.
func (s *Surface) Leave() { s.EndStroke() }

// Drawing reports whether a stroke is active.
func (s *Surface) Drawing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Clear resets the buffer to the background and ends any active stroke.
func (s *Surface) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.fillBackground()
}

// Snapshot returns a copy of the backing buffer at device resolution.
func (s *Surface) Snapshot() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.dc.FlushGPU()
	src := s.dc.Image()
	if rgba, ok := src.(*image.RGBA); ok {
		return rgba
	}
	dst := image.NewRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	return dst
}

func (s *Surface) contains(p Point) bool {
	c := float64(s.css)
	return p.X >= 0 && p.Y >= 0 && p.X < c && p.Y < c
}

func (s *Surface) fillBackground() {
	s.dc.ClearWithColor(gg.FromColor(s.opts.Background))
}

func (s *Surface) paint(m Mode) color.Color {
	if m == Erase {
		return s.opts.Background
	}
	return s.opts.Ink
}

func (s *Surface) clampWidth(w float64) float64 {
	if math.IsNaN(w) {
		return s.opts.BrushMin
	}
	return math.Min(math.Max(w, s.opts.BrushMin), s.opts.BrushMax)
}
