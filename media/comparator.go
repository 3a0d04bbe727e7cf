package media

import (
	"context"
	"math"

	"github.com/camden-git/mediapipeline/facematch"
)

// EuclideanComparator computes distances in-process. Candidates of the wrong
// dimension get +Inf so they can never be chosen.
type EuclideanComparator struct{}

func (EuclideanComparator) Distances(_ context.Context, target []float32, candidates [][]float32) ([]float64, error) {
	out := make([]float64, len(candidates))
	for i, c := range candidates {
		d, err := facematch.Euclidean(target, c)
		if err != nil {
			d = math.Inf(1)
		}
		out[i] = d
	}
	return out, nil
}
