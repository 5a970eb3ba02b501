// Package features encodes flow records into the numeric rows the classifier
// was trained on: categorical vocabularies plus robust scaling of counters.
package features

import (
	"fmt"
	"sort"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/validation"
)

// Unknown is the code for a value missing from its vocabulary.
const Unknown = -1

// Vocabulary holds the closed string-to-code maps used at training time.
// It is immutable after construction.
type Vocabulary struct {
	version      string
	sources      map[string]int
	destinations map[string]int
	namespaces   map[string]int
	directions   map[string]int
}

// VocabularySpec is the input for NewVocabulary.
type VocabularySpec struct {
	Version              string
	SourceWorkloads      map[string]int
	DestinationWorkloads map[string]int
	Namespaces           map[string]int
	Directions           map[string]int
}

// NewVocabulary validates and copies the maps in spec.
func NewVocabulary(spec VocabularySpec) (*Vocabulary, error) {
	var errs []error
	if spec.Version == "" {
		errs = append(errs, fmt.Errorf("vocabulary version is required"))
	}
	errs = append(errs, validateCodes("source_workloads", spec.SourceWorkloads)...)
	errs = append(errs, validateCodes("destination_workloads", spec.DestinationWorkloads)...)
	errs = append(errs, validateCodes("namespaces", spec.Namespaces)...)
	errs = append(errs, validateCodes("directions", spec.Directions)...)
	for _, ns := range sortedKeys(spec.Namespaces) {
		for _, msg := range validation.IsDNS1123Label(ns) {
			errs = append(errs, fmt.Errorf("namespaces: %q: %s", ns, msg))
		}
	}
	if agg := utilerrors.NewAggregate(errs); agg != nil {
		return nil, agg
	}

	return &Vocabulary{
		version:      spec.Version,
		sources:      copyMap(spec.SourceWorkloads),
		destinations: copyMap(spec.DestinationWorkloads),
		namespaces:   copyMap(spec.Namespaces),
		directions:   copyMap(spec.Directions),
	}, nil
}

func validateCodes(name string, m map[string]int) []error {
	if len(m) == 0 {
		return []error{fmt.Errorf("%s: vocabulary is empty", name)}
	}
	var errs []error
	seen := make(map[int]string, len(m))
	for _, k := range sortedKeys(m) {
		code := m[k]
		if k == "" {
			errs = append(errs, fmt.Errorf("%s: empty key", name))
		}
		if code < 0 {
			errs = append(errs, fmt.Errorf("%s: %q has negative code %d", name, k, code))
			continue
		}
		if prev, dup := seen[code]; dup {
			errs = append(errs, fmt.Errorf("%s: code %d assigned to both %q and %q", name, code, prev, k))
			continue
		}
		seen[code] = k
	}
	return errs
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func lookup(m map[string]int, key string) int {
	if code, ok := m[key]; ok {
		return code
	}
	return Unknown
}

// Version identifies the training run the vocabulary belongs to.
func (v *Vocabulary) Version() string { return v.version }

// SourceWorkload returns the code for a canonical source workload.
func (v *Vocabulary) SourceWorkload(name string) int { return lookup(v.sources, name) }

// DestinationWorkload returns the code for a canonical destination workload.
func (v *Vocabulary) DestinationWorkload(name string) int { return lookup(v.destinations, name) }

// Namespace returns the code for a namespace; both namespace columns share it.
func (v *Vocabulary) Namespace(name string) int { return lookup(v.namespaces, name) }

// Direction returns the code for a traffic direction.
func (v *Vocabulary) Direction(name string) int { return lookup(v.directions, name) }
