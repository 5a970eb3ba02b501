// Package types defines the flow, feature, prediction and alert types shared
// by the detection pipeline, the dispatcher and the HTTP API.
package types

import (
	"strconv"
	"time"
)

// Directions observed in mesh telemetry.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// WorkloadIdentity is a raw workload name as reported by the sidecar plus
// its canonical (replica-suffix stripped) name.
type WorkloadIdentity struct {
	Raw       string `json:"raw"`
	Canonical string `json:"canonical"`
}

// FlowRecord is one parsed connection event between two workloads.
type FlowRecord struct {
	Timestamp            string           `json:"timestamp"`
	Source               WorkloadIdentity `json:"source"`
	Destination          WorkloadIdentity `json:"destination"`
	SourceNamespace      string           `json:"source_namespace"`
	DestinationNamespace string           `json:"destination_namespace"`
	Direction            string           `json:"direction"`
	BytesSent            uint64           `json:"bytes_sent"`
	BytesReceived        uint64           `json:"bytes_received"`
	Duration             float64          `json:"duration"`
}

// Time interprets Timestamp as a nanosecond epoch. It returns the zero time
// when the timestamp is not numeric.
func (r *FlowRecord) Time() time.Time {
	ns, err := strconv.ParseInt(r.Timestamp, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// FeatureWidth is the number of columns in an encoded feature row.
const FeatureWidth = 8

// NumericWidth is the number of scaled numeric columns leading each row.
const NumericWidth = 3

// EncodedFeatures is the model input for one record, in training column order.
type EncodedFeatures struct {
	BytesSent            float64
	BytesReceived        float64
	Duration             float64
	SourceWorkload       int
	DestinationWorkload  int
	SourceNamespace      int
	DestinationNamespace int
	Direction            int
}

// Numeric returns the columns fed to the scaler.
func (f *EncodedFeatures) Numeric() []float64 {
	return []float64{f.BytesSent, f.BytesReceived, f.Duration}
}

// SetNumeric overwrites the numeric columns with scaled values.
func (f *EncodedFeatures) SetNumeric(v []float64) {
	f.BytesSent, f.BytesReceived, f.Duration = v[0], v[1], v[2]
}

// Vector returns the full feature row.
func (f *EncodedFeatures) Vector() []float64 {
	return []float64{
		f.BytesSent,
		f.BytesReceived,
		f.Duration,
		float64(f.SourceWorkload),
		float64(f.DestinationWorkload),
		float64(f.SourceNamespace),
		float64(f.DestinationNamespace),
		float64(f.Direction),
	}
}

// Prediction is the classifier verdict for one record.
type Prediction struct {
	Record     *FlowRecord `json:"record"`
	Label      int         `json:"label"`
	Confidence float64     `json:"confidence"`
}
