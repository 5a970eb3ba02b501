// Package classifier evaluates the exported flow classification model and
// adapts it to the pipeline's feature rows.
package classifier

import (
	"encoding/json"
	"fmt"

	"github.com/invisible-tech/meshguard/pkg/artifact"
)

// leaf marks a node without children in exported tree arrays.
const leaf = -1

// Tree is one decision tree in array form, as exported from sklearn's
// tree_ attributes.
type Tree struct {
	ChildrenLeft  []int       `json:"children_left"`
	ChildrenRight []int       `json:"children_right"`
	Feature       []int       `json:"feature"`
	Threshold     []float64   `json:"threshold"`
	Value         [][]float64 `json:"value"`
}

// Forest is a random forest classifier. PredictProba averages the normalized
// class distribution of the leaf each tree routes a row to.
type Forest struct {
	NFeatures         int    `json:"n_features"`
	Classes           []int  `json:"classes"`
	Trees             []Tree `json:"trees"`
	VocabularyVersion string `json:"vocabulary_version,omitempty"`
}

// LoadForest reads and validates a forest artifact.
func LoadForest(path string) (*Forest, error) {
	data, err := artifact.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f Forest
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode model %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model %s: %w", path, err)
	}
	return &f, nil
}

// Validate checks the tree arrays are consistent so evaluation cannot index
// out of range or loop.
func (f *Forest) Validate() error {
	if f.NFeatures <= 0 {
		return fmt.Errorf("n_features must be positive")
	}
	if len(f.Classes) == 0 {
		return fmt.Errorf("no classes")
	}
	if len(f.Trees) == 0 {
		return fmt.Errorf("no trees")
	}
	for ti := range f.Trees {
		if err := f.validateTree(&f.Trees[ti]); err != nil {
			return fmt.Errorf("tree %d: %w", ti, err)
		}
	}
	return nil
}

func (f *Forest) validateTree(t *Tree) error {
	n := len(t.ChildrenLeft)
	if n == 0 {
		return fmt.Errorf("empty tree")
	}
	if len(t.ChildrenRight) != n || len(t.Feature) != n || len(t.Threshold) != n || len(t.Value) != n {
		return fmt.Errorf("node arrays have different lengths")
	}
	for i := 0; i < n; i++ {
		l, r := t.ChildrenLeft[i], t.ChildrenRight[i]
		if (l == leaf) != (r == leaf) {
			return fmt.Errorf("node %d has exactly one child", i)
		}
		if l == leaf {
			if len(t.Value[i]) != len(f.Classes) {
				return fmt.Errorf("leaf %d has %d class values, want %d", i, len(t.Value[i]), len(f.Classes))
			}
			continue
		}
		// Children always follow their parent in exported order.
		if l <= i || r <= i || l >= n || r >= n {
			return fmt.Errorf("node %d has invalid children %d/%d", i, l, r)
		}
		if t.Feature[i] < 0 || t.Feature[i] >= f.NFeatures {
			return fmt.Errorf("node %d splits on feature %d, model has %d", i, t.Feature[i], f.NFeatures)
		}
	}
	return nil
}

// leafFor walks t for row and returns the leaf index.
func (t *Tree) leafFor(row []float64) int {
	node := 0
	for t.ChildrenLeft[node] != leaf {
		if row[t.Feature[node]] <= t.Threshold[node] {
			node = t.ChildrenLeft[node]
		} else {
			node = t.ChildrenRight[node]
		}
	}
	return node
}

// PredictProba returns one probability row per input row, columns ordered as
// Classes.
func (f *Forest) PredictProba(rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	weight := 1 / float64(len(f.Trees))
	for i, row := range rows {
		if len(row) != f.NFeatures {
			return nil, fmt.Errorf("row %d has %d features, model expects %d", i, len(row), f.NFeatures)
		}
		proba := make([]float64, len(f.Classes))
		for ti := range f.Trees {
			t := &f.Trees[ti]
			value := t.Value[t.leafFor(row)]
			total := 0.0
			for _, v := range value {
				total += v
			}
			if total <= 0 {
				continue
			}
			for c, v := range value {
				proba[c] += weight * v / total
			}
		}
		out[i] = proba
	}
	return out, nil
}

// Predict returns the class with the highest probability for each row.
func (f *Forest) Predict(rows [][]float64) ([]int, error) {
	proba, err := f.PredictProba(rows)
	if err != nil {
		return nil, err
	}
	labels := make([]int, len(proba))
	for i, p := range proba {
		labels[i] = f.Classes[argmax(p)]
	}
	return labels, nil
}

// ClassLabels returns the model's class values.
func (f *Forest) ClassLabels() []int {
	return f.Classes
}

// argmax returns the first index of the maximum value.
func argmax(p []float64) int {
	best := 0
	for i := 1; i < len(p); i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	return best
}
