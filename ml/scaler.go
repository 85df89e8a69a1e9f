package ml

import (
	"fmt"
	"math"
)

// StandardScaler standardizes every feature to zero mean and unit variance.
// A fitted scaler is never mutated, so it is safe for concurrent use.
type StandardScaler struct {
	Mean   []float64 `msgpack:"mean"`
	StdDev []float64 `msgpack:"std_dev"`
}

// FitStandardScaler computes per-feature mean and population standard
// deviation. Features with no variance get a unit deviation so they pass
// through centered but unscaled.
func FitStandardScaler(data [][]float64) (StandardScaler, error) {
	if len(data) == 0 {
		return StandardScaler{}, fmt.Errorf("cannot fit scaler on empty data")
	}
	width := len(data[0])
	mean := make([]float64, width)
	sumSq := make([]float64, width)

	for i, row := range data {
		if len(row) != width {
			return StandardScaler{}, fmt.Errorf("row %d has %d features, want %d", i, len(row), width)
		}
		for j, v := range row {
			mean[j] += v
			sumSq[j] += v * v
		}
	}

	n := float64(len(data))
	std := make([]float64, width)
	for j := range mean {
		mean[j] /= n
		variance := sumSq[j]/n - mean[j]*mean[j]
		if variance > 1e-12 {
			std[j] = math.Sqrt(variance)
		} else {
			std[j] = 1
		}
	}

	return StandardScaler{Mean: mean, StdDev: std}, nil
}

// Transform returns the standardized copy of x.
func (s StandardScaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("vector has %d features, scaler expects %d", len(x), len(s.Mean))
	}
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Mean[j]) / s.StdDev[j]
	}
	return out, nil
}

// TransformAll standardizes every row of data.
func (s StandardScaler) TransformAll(data [][]float64) ([][]float64, error) {
	out := make([][]float64, len(data))
	for i, row := range data {
		scaled, err := s.Transform(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = scaled
	}
	return out, nil
}
