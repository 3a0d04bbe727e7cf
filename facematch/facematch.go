// Package facematch holds the pure vector math behind face grouping and
// identity centroids. Nothing here touches storage.
package facematch

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

const (
	// DefaultDimension is the encoding length produced by the face encoders.
	DefaultDimension = 128
	// MatchThreshold is the maximum distance (exclusive) for two faces or a
	// face and an identity to be considered the same person.
	MatchThreshold = 0.6
	// MinQualityWeight floors each member's weight in a weighted centroid.
	MinQualityWeight = 30.0
	// OutlierMinMembers is the member count from which outliers are rejected.
	OutlierMinMembers = 4
	// MinRetained is the smallest set kept after outlier rejection.
	MinRetained = 3
)

var (
	ErrNoMembers         = errors.New("facematch: no members with a usable encoding")
	ErrDimensionMismatch = errors.New("facematch: vector dimension mismatch")
)

// Euclidean returns the L2 distance between a and b.
func Euclidean(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// Member is one face contributing to an identity.
type Member struct {
	ID       uint
	Encoding []float32
	Quality  float64
}

func (m Member) weight() float64 {
	return math.Max(m.Quality, MinQualityWeight)
}

// Mean is the unweighted element-wise average of the members' encodings.
func Mean(members []Member, dim int) ([]float32, error) {
	if len(members) == 0 {
		return nil, ErrNoMembers
	}
	acc := make([]float64, dim)
	for _, m := range members {
		if len(m.Encoding) != dim {
			return nil, fmt.Errorf("%w: member %d has %d, want %d", ErrDimensionMismatch, m.ID, len(m.Encoding), dim)
		}
		for i, v := range m.Encoding {
			acc[i] += float64(v)
		}
	}
	return scale(acc, 1/float64(len(members))), nil
}

// WeightedCentroid averages the encodings weighted by quality, each weight
// floored at MinQualityWeight.
func WeightedCentroid(members []Member, dim int) ([]float32, error) {
	if len(members) == 0 {
		return nil, ErrNoMembers
	}
	acc := make([]float64, dim)
	var total float64
	for _, m := range members {
		if len(m.Encoding) != dim {
			return nil, fmt.Errorf("%w: member %d has %d, want %d", ErrDimensionMismatch, m.ID, len(m.Encoding), dim)
		}
		w := m.weight()
		total += w
		for i, v := range m.Encoding {
			acc[i] += w * float64(v)
		}
	}
	return scale(acc, 1/total), nil
}

func scale(acc []float64, f float64) []float32 {
	out := make([]float32, len(acc))
	for i, v := range acc {
		out[i] = float32(v * f)
	}
	return out
}

// RetainCount is how many of n members survive outlier rejection:
// all of them below OutlierMinMembers, otherwise ceil(0.8n) but at least MinRetained.
func RetainCount(n int) int {
	if n < OutlierMinMembers {
		return n
	}
	keep := (4*n + 4) / 5 // ceil(n * 0.8) in integer arithmetic
	if keep < MinRetained {
		keep = MinRetained
	}
	if keep > n {
		keep = n
	}
	return keep
}

// RetainClosest ranks members by distance to center and keeps the closest
// RetainCount(len(members)). Ties keep their input order.
func RetainClosest(members []Member, center []float32) ([]Member, error) {
	type ranked struct {
		m    Member
		dist float64
	}
	rs := make([]ranked, len(members))
	for i, m := range members {
		d, err := Euclidean(m.Encoding, center)
		if err != nil {
			return nil, err
		}
		rs[i] = ranked{m: m, dist: d}
	}
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].dist < rs[j].dist })

	keep := RetainCount(len(members))
	out := make([]Member, keep)
	for i := 0; i < keep; i++ {
		out[i] = rs[i].m
	}
	return out, nil
}

// IdentityCentroid computes an identity's centroid from its confirmed members.
// Members whose encoding does not have dim components are ignored. With fewer
// than OutlierMinMembers usable members it is the quality-weighted centroid of
// all of them; otherwise the farthest members from the unweighted mean are
// discarded first. It returns the centroid and the members that formed it.
func IdentityCentroid(members []Member, dim int) ([]float32, []Member, error) {
	usable := make([]Member, 0, len(members))
	for _, m := range members {
		if len(m.Encoding) == dim {
			usable = append(usable, m)
		}
	}
	if len(usable) == 0 {
		return nil, nil, ErrNoMembers
	}

	if len(usable) < OutlierMinMembers {
		c, err := WeightedCentroid(usable, dim)
		return c, usable, err
	}

	mean, err := Mean(usable, dim)
	if err != nil {
		return nil, nil, err
	}
	retained, err := RetainClosest(usable, mean)
	if err != nil {
		return nil, nil, err
	}
	c, err := WeightedCentroid(retained, dim)
	return c, retained, err
}

// Candidate is something a new encoding can be matched against: a root face
// or an identity centroid.
type Candidate struct {
	ID       uint
	Encoding []float32
}

// Closest returns the candidate nearest to target whose distance is strictly
// below threshold. On equal distances the first candidate wins. Candidates
// with a different dimension are skipped.
func Closest(target []float32, candidates []Candidate, threshold float64) (Candidate, float64, bool) {
	distances := make([]float64, len(candidates))
	for i, c := range candidates {
		d, err := Euclidean(target, c.Encoding)
		if err != nil {
			d = math.Inf(1)
		}
		distances[i] = d
	}
	idx, d, ok := ClosestIndex(distances, threshold)
	if !ok {
		return Candidate{}, 0, false
	}
	return candidates[idx], d, true
}

// ClosestIndex picks the smallest distance strictly below threshold, first-seen
// on ties. Used when distances come from an external comparator.
func ClosestIndex(distances []float64, threshold float64) (int, float64, bool) {
	best := -1
	bestDist := threshold
	for i, d := range distances {
		if math.IsNaN(d) {
			continue
		}
		if d < bestDist {
			best = i
			bestDist = d
		}
	}
	if best < 0 {
		return 0, 0, false
	}
	return best, bestDist, true
}
