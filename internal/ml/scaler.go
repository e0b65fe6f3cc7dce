package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// StandardScaler centres each column and divides by its population
// standard deviation. A constant column gets scale 1.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitStandardScaler learns column statistics from X.
func FitStandardScaler(X [][]float64) (*StandardScaler, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("ml: cannot fit scaler on zero rows")
	}
	nf := len(X[0])
	s := &StandardScaler{Mean: make([]float64, nf), Scale: make([]float64, nf)}
	col := make([]float64, len(X))
	for j := 0; j < nf; j++ {
		for i, row := range X {
			if len(row) != nf {
				return nil, fmt.Errorf("ml: row %d has %d features, want %d", i, len(row), nf)
			}
			col[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		s.Mean[j] = mean
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		s.Scale[j] = std
	}
	return s, nil
}

// Transform returns a scaled copy of x. NaN stays NaN.
func (s *StandardScaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("ml: scaler expects %d features, got %d", len(s.Mean), len(x))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v - s.Mean[i]) / s.Scale[i]
	}
	return out, nil
}

// TransformBatch scales every row of X.
func (s *StandardScaler) TransformBatch(X [][]float64) ([][]float64, error) {
	out := make([][]float64, len(X))
	for i, x := range X {
		row, err := s.Transform(x)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = row
	}
	return out, nil
}

// Validate checks a deserialized scaler.
func (s *StandardScaler) Validate() error {
	if len(s.Mean) == 0 || len(s.Mean) != len(s.Scale) {
		return fmt.Errorf("ml: scaler has %d means and %d scales", len(s.Mean), len(s.Scale))
	}
	for i, sc := range s.Scale {
		if sc == 0 {
			return fmt.Errorf("ml: scaler column %d has zero scale", i)
		}
	}
	return nil
}
