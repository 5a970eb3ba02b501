package flowlog

import (
	"regexp"

	"github.com/invisible-tech/meshguard/internal/types"
)

// replicaSuffix matches the ReplicaSet hash and pod suffix Kubernetes appends
// to deployment-backed pod names, e.g. "-7f9c4d5b8-x2k9p".
var replicaSuffix = regexp.MustCompile(`-[a-z0-9]{5,}-[a-z0-9]{4,}$`)

// NormalizeWorkload strips one trailing replica suffix from a raw workload
// name. Names without a suffix (external services, statefulsets) are returned
// unchanged.
func NormalizeWorkload(raw string) string {
	loc := replicaSuffix.FindStringIndex(raw)
	if loc == nil {
		return raw
	}
	return raw[:loc[0]]
}

// NewIdentity pairs a raw workload name with its canonical name.
func NewIdentity(raw string) types.WorkloadIdentity {
	return types.WorkloadIdentity{Raw: raw, Canonical: NormalizeWorkload(raw)}
}
