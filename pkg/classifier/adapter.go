package classifier

import (
	"fmt"

	"github.com/invisible-tech/meshguard/internal/types"
)

// Model is a trained classifier over fixed-width feature rows.
type Model interface {
	PredictProba(rows [][]float64) ([][]float64, error)
	ClassLabels() []int
}

// Result is the verdict for one feature row.
type Result struct {
	Label      int
	Confidence float64
}

// Adapter runs a Model on encoded features.
type Adapter struct {
	model Model
}

// NewAdapter wraps model.
func NewAdapter(model Model) *Adapter {
	return &Adapter{model: model}
}

// Classify returns one result per input, in order. Unknown (-1) codes are
// passed through as ordinary values.
func (a *Adapter) Classify(features []types.EncodedFeatures) ([]Result, error) {
	if len(features) == 0 {
		return nil, nil
	}
	rows := make([][]float64, len(features))
	for i := range features {
		rows[i] = features[i].Vector()
	}

	proba, err := a.model.PredictProba(rows)
	if err != nil {
		return nil, fmt.Errorf("model prediction failed: %w", err)
	}
	if len(proba) != len(rows) {
		return nil, fmt.Errorf("model returned %d predictions for %d rows", len(proba), len(rows))
	}

	classes := a.model.ClassLabels()
	results := make([]Result, len(proba))
	for i, p := range proba {
		if len(p) != len(classes) {
			return nil, fmt.Errorf("prediction %d has %d probabilities, model has %d classes", i, len(p), len(classes))
		}
		best := argmax(p)
		results[i] = Result{Label: classes[best], Confidence: p[best]}
	}
	return results, nil
}
