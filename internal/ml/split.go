package ml

import (
	"math"
	"math/rand"
)

// TrainTestSplit shuffles 0..n-1 with seed and returns the train and test
// index sets. The test set has ceil(testFraction*n) rows and is taken from
// the front of the permutation.
func TrainTestSplit(n int, testFraction float64, seed int64) (train, test []int) {
	if n == 0 {
		return nil, nil
	}
	nTest := int(math.Ceil(testFraction * float64(n)))
	nTest = min(max(nTest, 0), n)
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	return perm[nTest:], perm[:nTest]
}

// Take selects rows of X and y by index.
func Take(X [][]float64, y []float64, idx []int) ([][]float64, []float64) {
	xs := make([][]float64, len(idx))
	ys := make([]float64, len(idx))
	for i, j := range idx {
		xs[i] = X[j]
		ys[i] = y[j]
	}
	return xs, ys
}
