package sampling

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"volseg/internal/model"
)

const percentageTolerance = 1e-6

// SelectSubjects picks the subjects of one sub-epoch. Up to maxSubjects are
// chosen in random order without replacement. With fill set and fewer than
// maxSubjects available, reshuffled subjects are appended until exactly
// maxSubjects are chosen.
func SelectSubjects(rng *rand.Rand, total, maxSubjects int, fill bool) ([]int, error) {
	if total <= 0 {
		return nil, model.Configurationf("no subjects to sample from")
	}
	if maxSubjects <= 0 {
		return nil, model.Configurationf("max subjects per sub-epoch must be positive, got %d", maxSubjects)
	}
	order := rng.Perm(total)
	if maxSubjects < total {
		return order[:maxSubjects], nil
	}
	chosen := append([]int(nil), order...)
	for fill && len(chosen) < maxSubjects {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		n := min(maxSubjects-len(chosen), total)
		chosen = append(chosen, order[:n]...)
	}
	return chosen, nil
}

// AllocateAcrossSubjects splits total evenly, then hands the remainder out
// one unit at a time to subjects drawn uniformly with replacement.
func AllocateAcrossSubjects(rng *rand.Rand, total, subjects int) []int {
	if subjects <= 0 {
		return nil
	}
	counts := make([]int, subjects)
	base := total / subjects
	for i := range counts {
		counts[i] = base
	}
	for i := 0; i < total%subjects; i++ {
		counts[rng.IntN(subjects)]++
	}
	return counts
}

// ValidatePercentages checks that percentages form a distribution.
func ValidatePercentages(percentages []float64) error {
	if len(percentages) == 0 {
		return model.Configurationf("no sampling categories")
	}
	for i, p := range percentages {
		if p < 0 || math.IsNaN(p) {
			return model.Configurationf("category %d has invalid percentage %g", i, p)
		}
	}
	if sum := floats.Sum(percentages); math.Abs(sum-1) > percentageTolerance {
		return model.Configurationf("category percentages sum to %g, want 1", sum)
	}
	return nil
}

// AllocateAcrossCategories gives each category floor(total*p), then draws
// the remainder with replacement weighted by the percentages.
func AllocateAcrossCategories(rng *rand.Rand, total int, percentages []float64) []int {
	counts := make([]int, len(percentages))
	assigned := 0
	for i, p := range percentages {
		counts[i] = int(float64(total) * p)
		assigned += counts[i]
	}
	remainder := total - assigned
	if remainder <= 0 {
		return counts
	}
	dist := distuv.NewCategorical(percentages, rng)
	for i := 0; i < remainder; i++ {
		counts[int(dist.Rand())]++
	}
	return counts
}

// ZeroInvalid clears the counts of invalid categories. Their share is not
// redistributed.
func ZeroInvalid(counts []int, valid []bool) []int {
	out := append([]int(nil), counts...)
	for i := range out {
		if i < len(valid) && !valid[i] {
			out[i] = 0
		}
	}
	return out
}

// Permutation returns a uniformly random ordering of n indexes. Applying the
// same permutation to parallel slices keeps their elements paired.
func Permutation(rng *rand.Rand, n int) []int {
	return rng.Perm(n)
}

// Permute reorders items by perm: out[i] = items[perm[i]].
func Permute[T any](items []T, perm []int) []T {
	out := make([]T, len(perm))
	for i, p := range perm {
		out[i] = items[p]
	}
	return out
}
