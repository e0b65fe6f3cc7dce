package features

import (
	"math"
	"time"
)

// Vector is one row of model input laid out by Schema.
type Vector struct {
	Schema    Schema
	Timestamp time.Time
	Values    []float64
	Valid     []bool
}

// Complete reports whether every value is present.
func (v Vector) Complete() bool {
	for _, ok := range v.Valid {
		if !ok {
			return false
		}
	}
	return true
}

// Missing lists the names of absent features.
func (v Vector) Missing() []string {
	var out []string
	for i, ok := range v.Valid {
		if !ok {
			out = append(out, v.Schema.Features[i])
		}
	}
	return out
}

// Get returns the value of feature name and whether it is present.
func (v Vector) Get(name string) (float64, bool) {
	i := v.Schema.Index(name)
	if i < 0 {
		return 0, false
	}
	return v.Values[i], v.Valid[i]
}

// Dense returns the values with absent entries encoded as NaN, the
// representation the model package treats as missing.
func (v Vector) Dense() []float64 {
	out := make([]float64, len(v.Values))
	for i, x := range v.Values {
		if v.Valid[i] {
			out[i] = x
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}
