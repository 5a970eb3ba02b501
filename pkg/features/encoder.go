package features

import (
	"github.com/invisible-tech/meshguard/internal/types"
)

// Encoder maps flow records to unscaled feature rows.
type Encoder struct {
	vocab *Vocabulary
}

// NewEncoder creates an encoder over vocab.
func NewEncoder(vocab *Vocabulary) *Encoder {
	return &Encoder{vocab: vocab}
}

// Encode returns the feature row for r. Numeric columns are raw; callers
// scale them before classification. Vocabulary misses encode as Unknown.
func (e *Encoder) Encode(r *types.FlowRecord) types.EncodedFeatures {
	return types.EncodedFeatures{
		BytesSent:            float64(r.BytesSent),
		BytesReceived:        float64(r.BytesReceived),
		Duration:             r.Duration,
		SourceWorkload:       e.vocab.SourceWorkload(r.Source.Canonical),
		DestinationWorkload:  e.vocab.DestinationWorkload(r.Destination.Canonical),
		SourceNamespace:      e.vocab.Namespace(r.SourceNamespace),
		DestinationNamespace: e.vocab.Namespace(r.DestinationNamespace),
		Direction:            e.vocab.Direction(r.Direction),
	}
}

// EncodeAll encodes records in order.
func (e *Encoder) EncodeAll(records []*types.FlowRecord) []types.EncodedFeatures {
	out := make([]types.EncodedFeatures, len(records))
	for i, r := range records {
		out[i] = e.Encode(r)
	}
	return out
}
