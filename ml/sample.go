package ml

import (
	"fmt"
	"math"
)

// RawSample is one soil/climate measurement as submitted by callers.
type RawSample struct {
	N           float64 `json:"N"`
	P           float64 `json:"P"`
	K           float64 `json:"K"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	PH          float64 `json:"ph"`
	Rainfall    float64 `json:"rainfall"`
}

// ValidationError reports a field outside its declared range.
type ValidationError struct {
	Field string
	Value float64
	Min   float64
	Max   float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s=%g outside allowed range [%g, %g]", e.Field, e.Value, e.Min, e.Max)
}

// Allowed input ranges. Values outside these are rejected, never clamped.
var fieldRanges = []struct {
	name string
	min  float64
	max  float64
}{
	{"N", 0, 200},
	{"P", 0, 200},
	{"K", 0, 250},
	{"temperature", 0, 50},
	{"humidity", 0, 100},
	{"ph", 0, 14},
	{"rainfall", 0, 400},
}

func (s RawSample) fields() []float64 {
	return []float64{s.N, s.P, s.K, s.Temperature, s.Humidity, s.PH, s.Rainfall}
}

// Validate checks every field against its declared range and returns a
// *ValidationError naming the first offending field.
func (s RawSample) Validate() error {
	values := s.fields()
	for i, bound := range fieldRanges {
		v := values[i]
		if math.IsNaN(v) || v < bound.min || v > bound.max {
			return &ValidationError{Field: bound.name, Value: v, Min: bound.min, Max: bound.max}
		}
	}
	return nil
}
