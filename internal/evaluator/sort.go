package evaluator

import (
	"math/rand"
	"sort"
)

// sortPredictionsAndLabels returns proba and labels reordered together by
// score descending. Ties are broken randomly but reproducibly from seed, so
// top-% and top-N cutoffs through runs of equal scores do not silently favor
// insertion order. The seed is recorded with every evaluation row.
func sortPredictionsAndLabels(proba, labels []float64, seed int64) ([]float64, []float64) {
	idx := make([]int, len(proba))
	for i := range idx {
		idx[i] = i
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })
	sort.SliceStable(idx, func(a, b int) bool { return proba[idx[a]] > proba[idx[b]] })

	outProba := make([]float64, len(proba))
	outLabels := make([]float64, len(labels))
	for pos, i := range idx {
		outProba[pos] = proba[i]
		outLabels[pos] = labels[i]
	}
	return outProba, outLabels
}

// binaryAtX returns a binary vector over n ranked predictions with ones for
// the top slice: the top x percent when unit is "percentile", the top x
// rows otherwise.
func binaryAtX(n int, x float64, unit string) []int {
	cutoff := int(x)
	if unit == "percentile" {
		cutoff = int(float64(n) * x / 100.0)
	}
	binary := make([]int, n)
	for i := 0; i < n && i < cutoff; i++ {
		binary[i] = 1
	}
	return binary
}
