package pipeline

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/hcr-api/internal/canvas"
	"github.com/Brownie44l1/hcr-api/internal/model"
	"github.com/Brownie44l1/hcr-api/internal/model/modeltest"
	"github.com/Brownie44l1/hcr-api/internal/preprocess"
	"github.com/Brownie44l1/hcr-api/internal/rank"
)

const n = 28

// letterArtifact biases C > B > A on a blank canvas, while every inked
// pixel pushes A up.
func letterArtifact() modeltest.Artifact {
	kernel := make([]float32, n*n*26)
	for px := 0; px < n*n; px++ {
		kernel[px*26+0] = 5
	}
	bias := make([]float32, 26)
	bias[0], bias[1], bias[2] = 20, 21, 22
	return modeltest.Linear(n, 26, kernel, bias)
}

func newPipeline(t *testing.T, load bool) (*Pipeline, *model.Loader) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, modeltest.Write(root, "hcr", letterArtifact()))
	l := model.NewLoader(model.DirSource{Root: root}, model.LoaderOptions{InputSize: n})
	t.Cleanup(func() { l.Close() })
	if load {
		_, err := l.Load(context.Background(), "hcr")
		require.NoError(t, err)
	}
	return &Pipeline{
		Engine:    model.NewEngine(l, "hcr"),
		Resampler: preprocess.NewResampler(preprocess.Bilinear),
		InputSize: n,
		TopK:      3,
	}, l
}

func TestEndToEndCircle(t *testing.T) {
	p, _ := newPipeline(t, true)
	s := NewSession(canvas.New(280, 1, canvas.DefaultOptions()), p, nil)

	blank, err := s.Predict(context.Background())
	require.NoError(t, err)
	best, _ := blank.Best()
	assert.Equal(t, "C", best.Label)

	s.Surface().BeginStroke(canvas.Point{X: 140, Y: 140}, canvas.Draw, 16)
	s.Surface().EndStroke()

	res, err := s.Predict(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)

	seen := map[string]bool{}
	var sum float64
	for _, e := range res.Entries {
		seen[e.Label] = true
		sum += e.Probability
	}
	assert.Len(t, seen, 3)
	assert.InDelta(t, 1.0, sum, 1e-3)
	assert.Equal(t, "A", res.Entries[0].Label)

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, res, latest.Result)
}

func TestPredictNotReady(t *testing.T) {
	p, _ := newPipeline(t, false)
	s := NewSession(canvas.New(280, 1, canvas.DefaultOptions()), p, nil)

	_, err := s.Predict(context.Background())
	assert.ErrorIs(t, err, model.ErrNotReady)
	_, ok := s.Latest()
	assert.False(t, ok)
}

func TestPipelineRankTensor(t *testing.T) {
	p, _ := newPipeline(t, true)
	res, err := p.Rank(context.Background(), make([]float32, n*n))
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B", "A"}, []string{res.Entries[0].Label, res.Entries[1].Label, res.Entries[2].Label})
}

// gatedClassifier blocks calls whose index is in hold until released.
type gatedClassifier struct {
	mu      sync.Mutex
	calls   int
	hold    map[int]chan struct{}
	started chan int
}

func newGatedClassifier(hold ...int) *gatedClassifier {
	g := &gatedClassifier{hold: map[int]chan struct{}{}, started: make(chan int, 8)}
	for _, i := range hold {
		g.hold[i] = make(chan struct{})
	}
	return g
}

func (g *gatedClassifier) Classify(ctx context.Context, _ image.Image) (rank.Result, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	ch := g.hold[call]
	g.mu.Unlock()

	g.started <- call
	if ch != nil {
		<-ch
	}
	return rank.Result{Entries: []rank.Entry{{Index: call, Label: "call", Probability: 1}}}, nil
}

func (g *gatedClassifier) release(call int) { close(g.hold[call]) }

type recorder struct {
	mu  sync.Mutex
	got []Outcome
}

func (r *recorder) deliver(o Outcome) {
	r.mu.Lock()
	r.got = append(r.got, o)
	r.mu.Unlock()
}

func (r *recorder) outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.got...)
}

func TestLastCallWins(t *testing.T) {
	g := newGatedClassifier(1)
	s := NewSession(canvas.New(64, 1, canvas.DefaultOptions()), g, nil)
	rec := &recorder{}

	first := s.PredictAsync(context.Background(), rec.deliver)
	<-g.started
	second := s.PredictAsync(context.Background(), rec.deliver)
	<-g.started
	require.Greater(t, second, first)

	require.Eventually(t, func() bool { return len(rec.outcomes()) == 1 }, time.Second, 5*time.Millisecond)

	g.release(1)
	assert.Never(t, func() bool { return len(rec.outcomes()) > 1 }, 100*time.Millisecond, 5*time.Millisecond)

	got := rec.outcomes()
	assert.Equal(t, second, got[0].Generation)
	assert.Equal(t, 2, got[0].Result.Entries[0].Index)

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, second, latest.Generation)
}

func TestClearDiscardsPendingResult(t *testing.T) {
	g := newGatedClassifier(1)
	s := NewSession(canvas.New(64, 1, canvas.DefaultOptions()), g, nil)
	rec := &recorder{}

	s.PredictAsync(context.Background(), rec.deliver)
	<-g.started

	// drawing continues while the prediction is pending
	s.Surface().BeginStroke(canvas.Point{X: 10, Y: 10}, canvas.Draw, 8)
	s.Surface().EndStroke()
	s.Clear()

	g.release(1)
	assert.Never(t, func() bool { return len(rec.outcomes()) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	_, ok := s.Latest()
	assert.False(t, ok)
}

func TestClearDropsLatest(t *testing.T) {
	g := newGatedClassifier()
	s := NewSession(canvas.New(64, 1, canvas.DefaultOptions()), g, nil)

	_, err := s.Predict(context.Background())
	require.NoError(t, err)
	_, ok := s.Latest()
	require.True(t, ok)

	s.Clear()
	_, ok = s.Latest()
	assert.False(t, ok)
}

func TestSyncPredictSuperseded(t *testing.T) {
	g := newGatedClassifier(1)
	s := NewSession(canvas.New(64, 1, canvas.DefaultOptions()), g, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Predict(context.Background())
		errc <- err
	}()
	<-g.started
	s.Clear()
	g.release(1)

	assert.ErrorIs(t, <-errc, ErrStale)
}

func TestManager(t *testing.T) {
	m := NewManager(newGatedClassifier(), 280, 2, canvas.DefaultOptions(), nil)

	a := m.Create(1)
	b := m.Create(3)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, m.Len())

	// dpr capped at 2
	assert.Equal(t, 560, b.Surface().Snapshot().Bounds().Dx())

	got, ok := m.Get(a.ID)
	require.True(t, ok)
	assert.Same(t, a, got)

	m.Remove(a.ID)
	_, ok = m.Get(a.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())
}

func TestSessionsAreIsolated(t *testing.T) {
	m := NewManager(newGatedClassifier(), 64, 1, canvas.DefaultOptions(), nil)
	a, b := m.Create(1), m.Create(1)

	a.Surface().BeginStroke(canvas.Point{X: 32, Y: 32}, canvas.Draw, 20)
	a.Surface().EndStroke()

	assert.NotEqual(t, a.Surface().Snapshot().Pix, b.Surface().Snapshot().Pix)
	a.Clear()
	assert.Equal(t, uint64(1), a.Generation())
	assert.Equal(t, uint64(0), b.Generation())
}

func TestClearBetweenNumberingAndSnapshot(t *testing.T) {
	g := newGatedClassifier()
	s := NewSession(canvas.New(64, 1, canvas.DefaultOptions()), g, nil)
	s.Surface().BeginStroke(canvas.Point{X: 32, Y: 32}, canvas.Draw, 20)
	s.Surface().EndStroke()

	var once sync.Once
	s.beforeSnapshot = func() { once.Do(s.Clear) }

	_, err := s.Predict(context.Background())
	assert.ErrorIs(t, err, ErrStale)
	_, ok := s.Latest()
	assert.False(t, ok)
	assert.Equal(t, uint64(2), s.Generation())
}

func TestAsyncClearBetweenNumberingAndSnapshot(t *testing.T) {
	g := newGatedClassifier()
	s := NewSession(canvas.New(64, 1, canvas.DefaultOptions()), g, nil)
	rec := &recorder{}

	var once sync.Once
	s.beforeSnapshot = func() { once.Do(s.Clear) }

	s.PredictAsync(context.Background(), rec.deliver)
	<-g.started
	assert.Never(t, func() bool { return len(rec.outcomes()) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	_, ok := s.Latest()
	assert.False(t, ok)
}
