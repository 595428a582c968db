// Package rank turns raw per-class scores into a probability distribution and
// a deterministic top-k ranking.
package rank

import (
	"fmt"
	"math"
	"sort"

	"github.com/Brownie44l1/hcr-api/internal/model"
)

// Entry is one ranked class.
type Entry struct {
	Index       int
	Label       string
	Probability float64
}

// Result is an immutable ranking. Entries are strictly ordered by
// probability, descending, with ties broken by ascending class index.
type Result struct {
	Entries      []Entry
	Distribution []float64
}

// Best returns the top entry, if any.
func (r Result) Best() (Entry, bool) {
	if len(r.Entries) == 0 {
		return Entry{}, false
	}
	return r.Entries[0], true
}

// Response converts the result to its wire form.
func (r Result) Response() model.PredictionResponse {
	resp := model.PredictionResponse{Top: make([]model.Guess, 0, len(r.Entries))}
	for _, e := range r.Entries {
		resp.Top = append(resp.Top, model.Guess{Label: e.Label, Index: e.Index, Probability: e.Probability})
	}
	if best, ok := r.Best(); ok {
		resp.Class = best.Label
		resp.Confidence = best.Probability
	}
	return resp
}

// Ranker maps scores to labels. Output says whether scores are logits
// (softmax applied) or already probabilities (used as given); it is set per
// artifact and never guessed from the values.
type Ranker struct {
	Labels []string
	Output model.OutputKind
}

// Rank returns the top min(k, C) classes of scores.
func (r Ranker) Rank(scores []float32, k int) (Result, error) {
	if len(scores) != len(r.Labels) {
		return Result{}, &model.ShapeMismatchError{
			What: "scores",
			Want: fmt.Sprintf("%d classes", len(r.Labels)),
			Got:  fmt.Sprint(len(scores)),
		}
	}

	var dist []float64
	if r.Output == model.Probabilities {
		dist = make([]float64, len(scores))
		for i, s := range scores {
			dist[i] = float64(s)
		}
	} else {
		dist = Softmax(scores)
	}

	idx := make([]int, len(dist))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		pa, pb := dist[idx[a]], dist[idx[b]]
		if pa != pb {
			return pa > pb
		}
		return idx[a] < idx[b]
	})

	k = max(0, min(k, len(idx)))
	entries := make([]Entry, k)
	for i, c := range idx[:k] {
		entries[i] = Entry{Index: c, Label: r.Labels[c], Probability: dist[c]}
	}
	return Result{Entries: entries, Distribution: dist}, nil
}

// Softmax returns exp(x_i - max) / sum, computed in float64.
func Softmax(scores []float32) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	m := math.Inf(-1)
	for _, s := range scores {
		m = math.Max(m, float64(s))
	}
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(float64(s) - m)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
