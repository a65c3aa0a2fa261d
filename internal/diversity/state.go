// Package diversity picks which approved candidates to consume next so the
// catalog drifts toward configured attribute distributions.
package diversity

import (
	"github.com/yangwenmai/charseed/internal/model"
)

// Fractions maps a dimension value to its share, 0 to 1.
type Fractions map[string]float64

// Targets holds the desired distribution per dimension.
type Targets map[model.Dimension]Fractions

// State is the observed distribution of recently consumed entries.
type State struct {
	// Window is the number of consumed entries the fractions were computed from.
	Window   int
	Observed map[model.Dimension]Fractions
}

// ComputeState derives observed fractions for every tracked dimension from the
// given consumed candidates. Unknown values are counted like any other value.
func ComputeState(recent []model.Candidate) State {
	st := State{
		Window:   len(recent),
		Observed: make(map[model.Dimension]Fractions, len(model.Dimensions)),
	}
	for _, d := range model.Dimensions {
		counts := make(map[string]int)
		for _, c := range recent {
			counts[c.DimensionValue(d)]++
		}
		fr := make(Fractions, len(counts))
		for v, n := range counts {
			fr[v] = float64(n) / float64(len(recent))
		}
		st.Observed[d] = fr
	}
	return st
}

// Fraction returns the observed share of value in dimension d.
func (s State) Fraction(d model.Dimension, value string) float64 {
	return s.Observed[d][value]
}

// Score is the summed underrepresentation of c: for every dimension, the target
// share of c's value minus its observed share. Values without a target count as 0.
func Score(c model.Candidate, targets Targets, st State) float64 {
	var score float64
	for _, d := range model.Dimensions {
		v := c.DimensionValue(d)
		score += targets[d][v] - st.Fraction(d, v)
	}
	return score
}
