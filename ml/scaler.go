package ml

import (
	"errors"
	"math"
)

// StandardScaler standardizes features to zero mean and unit variance using
// statistics fitted on the training split. The fitted state is part of the
// model snapshot so serving applies the exact training-time transform.
type StandardScaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// FitScaler computes per-column mean and standard deviation. Zero-variance
// columns get a scale of 1 so they pass through unchanged.
func FitScaler(rows [][]float64) (*StandardScaler, error) {
	if len(rows) == 0 {
		return nil, errors.New("rows is empty")
	}
	width := len(rows[0])
	mean := make([]float64, width)
	std := make([]float64, width)

	for _, row := range rows {
		if len(row) != width {
			return nil, errors.New("rows have inconsistent widths")
		}
		for i, v := range row {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= float64(len(rows))
	}
	for _, row := range rows {
		for i, v := range row {
			diff := v - mean[i]
			std[i] += diff * diff
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / float64(len(rows)))
		if std[i] == 0 {
			std[i] = 1
		}
	}

	return &StandardScaler{Mean: mean, Std: std}, nil
}

// Transform standardizes a single vector.
func (s *StandardScaler) Transform(values []float64) ([]float64, error) {
	if len(values) != len(s.Mean) {
		return nil, errors.New("vector width does not match fitted scaler")
	}
	result := make([]float64, len(values))
	for i, v := range values {
		result[i] = (v - s.Mean[i]) / s.Std[i]
	}
	return result, nil
}

// TransformAll standardizes a matrix row by row.
func (s *StandardScaler) TransformAll(rows [][]float64) ([][]float64, error) {
	result := make([][]float64, len(rows))
	for i, row := range rows {
		scaled, err := s.Transform(row)
		if err != nil {
			return nil, err
		}
		result[i] = scaled
	}
	return result, nil
}
