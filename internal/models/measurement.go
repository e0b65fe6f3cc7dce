package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Measurement is a single numeric sensor value that may be absent.
// An absent value is never the same thing as zero: derived features that
// depend on it become absent too.
type Measurement struct {
	Value float64
	Valid bool
}

// Some returns a present measurement.
func Some(v float64) Measurement {
	return Measurement{Value: v, Valid: true}
}

// None returns an absent measurement.
func None() Measurement {
	return Measurement{}
}

// Get returns the value and whether it is present.
func (m Measurement) Get() (float64, bool) {
	return m.Value, m.Valid
}

// IsZero reports whether the measurement is absent, so that `omitzero`
// drops unset fields when a record is serialized.
func (m Measurement) IsZero() bool {
	return !m.Valid
}

// Finite reports whether the measurement is present and a finite number.
func (m Measurement) Finite() bool {
	return m.Valid && !math.IsNaN(m.Value) && !math.IsInf(m.Value, 0)
}

func (m Measurement) String() string {
	if !m.Valid {
		return "missing"
	}
	return strconv.FormatFloat(m.Value, 'f', -1, 64)
}

// MarshalJSON encodes an absent measurement as null.
func (m Measurement) MarshalJSON() ([]byte, error) {
	if !m.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(m.Value)
}

// UnmarshalJSON accepts a JSON number, a numeric string, or null.
func (m *Measurement) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = None()
		return nil
	}

	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*m = Some(v)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return &InvalidInputError{Reason: "value " + string(data) + " is not a number"}
	}
	if s == "" {
		*m = None()
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return &InvalidInputError{Reason: "value " + strconv.Quote(s) + " is not a number"}
	}
	*m = Some(v)
	return nil
}
