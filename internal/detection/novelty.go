// Package detection separates flow records from recognized workloads from
// those whose source has never been seen before.
package detection

import (
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/meshguard/internal/types"
)

// Filter partitions records by whether their canonical source workload is in
// the allow-list. The allow-list is broader than the model's source
// vocabulary, but nothing outside it is ever classified.
type Filter struct {
	known sets.Set[string]
}

// NewFilter creates a filter over the given canonical workload names.
func NewFilter(known []string) *Filter {
	return &Filter{known: sets.New[string](known...)}
}

// Known reports whether workload is on the allow-list.
func (f *Filter) Known(workload string) bool {
	return f.known.Has(workload)
}

// Len returns the allow-list size.
func (f *Filter) Len() int {
	return f.known.Len()
}

// Workloads returns the allow-list sorted.
func (f *Filter) Workloads() []string {
	return sets.List(f.known)
}

// Split returns known and unknown records, each in input order. Every record
// lands in exactly one of the two.
func (f *Filter) Split(records []*types.FlowRecord) (known, unknown []*types.FlowRecord) {
	for _, r := range records {
		if f.known.Has(r.Source.Canonical) {
			known = append(known, r)
		} else {
			unknown = append(unknown, r)
		}
	}
	return known, unknown
}
