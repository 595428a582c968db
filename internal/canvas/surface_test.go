package canvas

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inked counts pixels noticeably darker than white.
func inked(img *image.RGBA) int {
	n := 0
	for i := 0; i < len(img.Pix); i += 4 {
		if img.Pix[i] < 200 {
			n++
		}
	}
	return n
}

func pixel(img *image.RGBA, x, y int) uint8 {
	return img.Pix[img.PixOffset(x, y)]
}

func TestSnapshotUsesBackingResolution(t *testing.T) {
	tests := []struct {
		css  int
		dpr  float64
		want int
	}{
		{280, 1, 280},
		{280, 2, 560},
		{320, 1.5, 480},
		{100, 0, 100},
		{100, 0.5, 100},
	}
	for _, tt := range tests {
		s := New(tt.css, tt.dpr, DefaultOptions())
		snap := s.Snapshot()
		assert.Equal(t, tt.want, snap.Bounds().Dx())
		assert.Equal(t, tt.want, snap.Bounds().Dy())
		assert.Equal(t, tt.css, s.Size())
	}
}

func TestFreshSurfaceIsBackground(t *testing.T) {
	s := New(64, 1, DefaultOptions())
	assert.Zero(t, inked(s.Snapshot()))
}

func TestClearMatchesFreshSurface(t *testing.T) {
	s := New(120, 2, DefaultOptions())
	s.BeginStroke(Point{10, 10}, Draw, 12)
	s.ExtendStroke(Point{100, 90})
	s.ExtendStroke(Point{20, 100})
	s.EndStroke()
	s.BeginStroke(Point{60, 60}, Erase, 30)
	s.ExtendStroke(Point{70, 40})
	require.NotZero(t, inked(s.Snapshot()))

	s.Clear()

	fresh := New(120, 2, DefaultOptions())
	assert.Equal(t, fresh.Snapshot().Pix, s.Snapshot().Pix)
	assert.False(t, s.Drawing())
}

func TestStrokeDrawsInk(t *testing.T) {
	s := New(100, 1, DefaultOptions())
	s.BeginStroke(Point{10, 50}, Draw, 10)
	s.ExtendStroke(Point{90, 50})
	s.EndStroke()

	snap := s.Snapshot()
	assert.Less(t, pixel(snap, 50, 50), uint8(64))
	assert.Equal(t, uint8(255), pixel(snap, 50, 10))
}

func TestTapLeavesDot(t *testing.T) {
	s := New(100, 1, DefaultOptions())
	s.BeginStroke(Point{50, 50}, Draw, 16)
	s.EndStroke()
	assert.Less(t, pixel(s.Snapshot(), 50, 50), uint8(64))
}

func TestExtendWithoutBeginIsNoop(t *testing.T) {
	s := New(100, 1, DefaultOptions())
	s.ExtendStroke(Point{10, 10})
	s.ExtendStroke(Point{90, 90})
	assert.Zero(t, inked(s.Snapshot()))
}

func TestEndStrokeIsIdempotent(t *testing.T) {
	s := New(100, 1, DefaultOptions())
	s.BeginStroke(Point{10, 10}, Draw, 8)
	s.EndStroke()
	s.EndStroke()
	assert.False(t, s.Drawing())
}

func TestLeaveEndsStroke(t *testing.T) {
	s := New(100, 1, DefaultOptions())
	s.BeginStroke(Point{10, 10}, Draw, 8)
	s.Leave()
	before := s.Snapshot()

	// re-entry with a move but no begin must not draw
	s.ExtendStroke(Point{90, 90})
	assert.Equal(t, before.Pix, s.Snapshot().Pix)
	assert.False(t, s.Drawing())
}

func TestEraseRestoresBackground(t *testing.T) {
	s := New(100, 1, DefaultOptions())
	s.BeginStroke(Point{10, 50}, Draw, 10)
	s.ExtendStroke(Point{90, 50})
	s.EndStroke()

	s.BeginStroke(Point{0, 50}, Erase, 36)
	s.ExtendStroke(Point{99, 50})
	s.EndStroke()

	assert.Zero(t, inked(s.Snapshot()))
}

func TestModeSwitchIsNotRetroactive(t *testing.T) {
	s := New(100, 1, DefaultOptions())
	s.SetMode(Draw)
	s.Begin(Point{10, 50})

	// switching mid-stroke only affects the next stroke
	s.SetMode(Erase)
	s.ExtendStroke(Point{90, 50})
	s.EndStroke()
	assert.Less(t, pixel(s.Snapshot(), 50, 50), uint8(64))

	s.Begin(Point{0, 50})
	s.ExtendStroke(Point{99, 50})
	s.EndStroke()
	assert.Equal(t, uint8(255), pixel(s.Snapshot(), 50, 50))
}

func TestBrushIsClamped(t *testing.T) {
	s := New(100, 1, DefaultOptions())
	assert.Equal(t, 16.0, s.Brush())

	s.SetBrush(1)
	assert.Equal(t, 6.0, s.Brush())
	s.SetBrush(100)
	assert.Equal(t, 36.0, s.Brush())

	// an oversized width passed directly is clamped too
	s.BeginStroke(Point{50, 50}, Draw, 500)
	s.EndStroke()
	snap := s.Snapshot()
	assert.Equal(t, uint8(255), pixel(snap, 50, 5))
	assert.Less(t, pixel(snap, 50, 40), uint8(64))
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	s := New(50, 1, DefaultOptions())
	snap := s.Snapshot()
	s.BeginStroke(Point{25, 25}, Draw, 20)
	s.EndStroke()
	assert.Zero(t, inked(snap))
}

func TestParseMode(t *testing.T) {
	m, ok := ParseMode("erase")
	assert.True(t, ok)
	assert.Equal(t, Erase, m)
	_, ok = ParseMode("smudge")
	assert.False(t, ok)
	assert.Equal(t, "draw", Draw.String())
}

func TestMoveOutsideEndsStroke(t *testing.T) {
	for _, out := range []Point{{-1, 50}, {50, -0.5}, {100, 50}, {50, 140}} {
		s := New(100, 2, DefaultOptions())
		s.BeginStroke(Point{50, 50}, Draw, 8)
		before := s.Snapshot()

		s.ExtendStroke(out)
		assert.False(t, s.Drawing(), "point %v", out)
		assert.Equal(t, before.Pix, s.Snapshot().Pix, "point %v", out)

		// coming back in without a new begin draws nothing
		s.ExtendStroke(Point{20, 20})
		assert.Equal(t, before.Pix, s.Snapshot().Pix, "point %v", out)
	}
}
