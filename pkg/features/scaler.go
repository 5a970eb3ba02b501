package features

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/invisible-tech/meshguard/pkg/artifact"
)

// RobustScaler applies a pre-fit median/IQR transform: (x - center) / scale.
type RobustScaler struct {
	center        []float64
	scale         []float64
	withCentering bool
	withScaling   bool
}

// scalerFile is the exported form of a fitted sklearn RobustScaler.
type scalerFile struct {
	Center        []float64 `json:"center"`
	Scale         []float64 `json:"scale"`
	WithCentering *bool     `json:"with_centering"`
	WithScaling   *bool     `json:"with_scaling"`
	Features      []string  `json:"feature_names,omitempty"`
}

// ExpectedScalerColumns are the column names the scaler must be fit on, in order.
var ExpectedScalerColumns = []string{"bytes_sent", "bytes_recv", "duration"}

// LoadRobustScaler reads a scaler artifact.
func LoadRobustScaler(path string) (*RobustScaler, error) {
	data, err := artifact.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f scalerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode scaler %s: %w", path, err)
	}
	if len(f.Features) > 0 {
		if len(f.Features) != len(ExpectedScalerColumns) {
			return nil, fmt.Errorf("scaler %s fit on %v, want %v", path, f.Features, ExpectedScalerColumns)
		}
		for i, name := range f.Features {
			if name != ExpectedScalerColumns[i] {
				return nil, fmt.Errorf("scaler %s fit on %v, want %v", path, f.Features, ExpectedScalerColumns)
			}
		}
	}
	withCentering, withScaling := true, true
	if f.WithCentering != nil {
		withCentering = *f.WithCentering
	}
	if f.WithScaling != nil {
		withScaling = *f.WithScaling
	}
	return NewRobustScaler(f.Center, f.Scale, withCentering, withScaling)
}

// NewRobustScaler builds a scaler from fitted statistics. When a flag is off
// the corresponding slice may be empty.
func NewRobustScaler(center, scale []float64, withCentering, withScaling bool) (*RobustScaler, error) {
	width := 0
	switch {
	case withCentering:
		width = len(center)
	case withScaling:
		width = len(scale)
	default:
		return nil, fmt.Errorf("scaler has neither centering nor scaling enabled")
	}
	if width == 0 {
		return nil, fmt.Errorf("scaler has no columns")
	}
	if withCentering && withScaling && len(center) != len(scale) {
		return nil, fmt.Errorf("scaler center has %d columns, scale has %d", len(center), len(scale))
	}
	for i, s := range scale {
		if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("scaler column %d has invalid scale %v", i, s)
		}
	}
	for i, c := range center {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, fmt.Errorf("scaler column %d has invalid center %v", i, c)
		}
	}
	return &RobustScaler{
		center:        append([]float64(nil), center...),
		scale:         append([]float64(nil), scale...),
		withCentering: withCentering,
		withScaling:   withScaling,
	}, nil
}

// Width is the number of columns the scaler was fit on.
func (s *RobustScaler) Width() int {
	if s.withCentering {
		return len(s.center)
	}
	return len(s.scale)
}

// Transform scales every row and returns a new matrix. It fails on a row of
// the wrong width or a non-finite value.
func (s *RobustScaler) Transform(rows [][]float64) ([][]float64, error) {
	width := s.Width()
	out := make([][]float64, len(rows))
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d columns, scaler expects %d", i, len(row), width)
		}
		scaled := make([]float64, width)
		for j, x := range row {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return nil, fmt.Errorf("row %d column %d is not finite", i, j)
			}
			if s.withCentering {
				x -= s.center[j]
			}
			if s.withScaling {
				x /= s.scale[j]
			}
			scaled[j] = x
		}
		out[i] = scaled
	}
	return out, nil
}
