package ml

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// MeanAbsoluteError of predictions against truth.
func MeanAbsoluteError(truth, pred []float64) float64 {
	if len(truth) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for i := range truth {
		sum += math.Abs(truth[i] - pred[i])
	}
	return sum / float64(len(truth))
}

// R2 is the coefficient of determination. For a constant truth it returns 1
// on a perfect fit and 0 otherwise.
func R2(truth, pred []float64) float64 {
	if len(truth) == 0 {
		return math.NaN()
	}
	if stat.PopVariance(truth, nil) == 0 {
		for i := range truth {
			if truth[i] != pred[i] {
				return 0
			}
		}
		return 1
	}
	return stat.RSquaredFrom(pred, truth, nil)
}

// Accuracy compares probabilities (positive when > 0.5) with 0/1 labels.
func Accuracy(truth, proba []float64) float64 {
	if len(truth) == 0 {
		return math.NaN()
	}
	hits := 0
	for i := range truth {
		predicted := 0.0
		if proba[i] > 0.5 {
			predicted = 1
		}
		if predicted == truth[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(truth))
}

// PositiveRate is the fraction of labels equal to 1.
func PositiveRate(labels []float64) float64 {
	if len(labels) == 0 {
		return 0
	}
	return stat.Mean(labels, nil)
}
