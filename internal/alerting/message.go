// Package alerting builds and delivers the operator-facing alert messages for
// new workloads and malicious traffic.
package alerting

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/invisible-tech/meshguard/internal/types"
)

const (
	maliciousHeader   = "🚨 *MALICIOUS TRAFFIC DETECTED!* 🚨\n"
	newWorkloadHeader = "🆕 *NEW POD DETECTED!* 🚨\n"
)

// NewWorkloadAlert builds the alert for a record whose source workload is not
// on the allow-list.
func NewWorkloadAlert(r *types.FlowRecord, now time.Time) *types.Alert {
	a := &types.Alert{
		ID:        uuid.NewString(),
		Kind:      types.AlertNewWorkload,
		CreatedAt: now,
		Record:    *r,
	}
	a.Message = FormatMessage(a)
	return a
}

// MaliciousTrafficAlert builds the alert for a record the model flagged.
func MaliciousTrafficAlert(p *types.Prediction, now time.Time) *types.Alert {
	a := &types.Alert{
		ID:         uuid.NewString(),
		Kind:       types.AlertMaliciousTraffic,
		CreatedAt:  now,
		Record:     *p.Record,
		Prediction: p,
	}
	a.Message = FormatMessage(a)
	return a
}

// FormatMessage renders the Slack text for a. Byte and duration fields are
// the values parsed from the log line, before scaling.
func FormatMessage(a *types.Alert) string {
	r := &a.Record
	var b strings.Builder
	b.WriteString(maliciousHeader)
	if a.Kind == types.AlertNewWorkload {
		b.WriteString(newWorkloadHeader)
	}
	fmt.Fprintf(&b, "• Timestamp: %s\n", r.Timestamp)
	fmt.Fprintf(&b, "• Source: %s\n", r.Source.Raw)
	fmt.Fprintf(&b, "• Destination: %s\n", r.Destination.Raw)
	fmt.Fprintf(&b, "• Namespace: %s → %s\n", r.SourceNamespace, r.DestinationNamespace)
	fmt.Fprintf(&b, "• Direction: %s\n", r.Direction)
	fmt.Fprintf(&b, "• Bytes sent: %d\n", r.BytesSent)
	fmt.Fprintf(&b, "• Bytes recv: %d\n", r.BytesReceived)
	fmt.Fprintf(&b, "• Duration: %s\n", strconv.FormatFloat(r.Duration, 'f', -1, 64))
	if a.Prediction != nil {
		fmt.Fprintf(&b, "• Confidence: %.2f\n", a.Prediction.Confidence)
	}
	return b.String()
}
