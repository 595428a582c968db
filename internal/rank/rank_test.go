package rank

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/hcr-api/internal/model"
)

func alphabet() Ranker {
	return Ranker{Labels: model.AlphabetLabels(), Output: model.Logits}
}

func TestRankTopThreeOfRandomLogits(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := alphabet()

	for trial := 0; trial < 200; trial++ {
		scores := make([]float32, 26)
		for i := range scores {
			scores[i] = float32(rng.NormFloat64() * 5)
		}

		res, err := r.Rank(scores, 3)
		require.NoError(t, err)
		require.Len(t, res.Entries, 3)

		for i := 1; i < len(res.Entries); i++ {
			assert.Greater(t, res.Entries[i-1].Probability, res.Entries[i].Probability)
		}

		var sum float64
		for _, p := range res.Distribution {
			assert.GreaterOrEqual(t, p, 0.0)
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-6)
	}
}

func TestRankMapsLabels(t *testing.T) {
	scores := make([]float32, 26)
	scores[2] = 9  // C
	scores[25] = 7 // Z
	scores[0] = 5  // A

	res, err := alphabet().Rank(scores, 3)
	require.NoError(t, err)

	labels := []string{res.Entries[0].Label, res.Entries[1].Label, res.Entries[2].Label}
	assert.Equal(t, []string{"C", "Z", "A"}, labels)
	assert.Equal(t, 25, res.Entries[1].Index)
}

func TestRankTieBreaksByIndex(t *testing.T) {
	r := Ranker{Labels: []string{"a", "b", "c", "d"}, Output: model.Probabilities}
	res, err := r.Rank([]float32{0.2, 0.3, 0.3, 0.2}, 4)
	require.NoError(t, err)

	got := make([]int, 0, 4)
	for _, e := range res.Entries {
		got = append(got, e.Index)
	}
	assert.Equal(t, []int{1, 2, 0, 3}, got)
}

func TestRankProbabilitiesUsedAsGiven(t *testing.T) {
	r := Ranker{Labels: []string{"x", "y"}, Output: model.Probabilities}
	res, err := r.Rank([]float32{0.25, 0.75}, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, res.Entries[0].Probability, 1e-9)
	assert.InDelta(t, 0.25, res.Entries[1].Probability, 1e-9)
}

func TestRankLogitsAlwaysSoftmaxed(t *testing.T) {
	// looks like a distribution, but the artifact says logits
	r := Ranker{Labels: []string{"x", "y"}, Output: model.Logits}
	res, err := r.Rank([]float32{0.25, 0.75}, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0.6225, res.Entries[0].Probability, 1e-4)
}

func TestRankKBounds(t *testing.T) {
	r := Ranker{Labels: []string{"x", "y"}, Output: model.Logits}

	res, err := r.Rank([]float32{1, 2}, 10)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 2)

	res, err = r.Rank([]float32{1, 2}, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
	_, ok := res.Best()
	assert.False(t, ok)
}

func TestRankShapeMismatch(t *testing.T) {
	_, err := alphabet().Rank(make([]float32, 10), 3)
	var shape *model.ShapeMismatchError
	assert.True(t, errors.As(err, &shape))
}

func TestSoftmaxIsStable(t *testing.T) {
	p := Softmax([]float32{1000, 1000, -1000})
	assert.InDelta(t, 0.5, p[0], 1e-9)
	assert.InDelta(t, 0.5, p[1], 1e-9)
	assert.InDelta(t, 0.0, p[2], 1e-9)
}

func TestResponse(t *testing.T) {
	scores := make([]float32, 26)
	scores[7] = 10
	res, err := alphabet().Rank(scores, 3)
	require.NoError(t, err)

	resp := res.Response()
	assert.Equal(t, "H", resp.Class)
	assert.Len(t, resp.Top, 3)
	assert.Equal(t, resp.Confidence, resp.Top[0].Probability)
}
