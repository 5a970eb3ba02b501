// Package flowlog parses the key=value flow lines emitted by the mesh
// telemetry query into typed flow records.
package flowlog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/invisible-tech/meshguard/internal/types"
)

// Field keys produced by the log source line_format stage.
const (
	KeySource               = "src"
	KeyDestination          = "dst"
	KeySourceNamespace      = "src_ns"
	KeyDestinationNamespace = "dst_ns"
	KeyDirection            = "direction"
	KeyBytesSent            = "bytes_sent"
	KeyBytesReceived        = "bytes_recv"
	KeyDuration             = "duration"
)

var numericPrefix = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)

// ParseLine turns one log line into a FlowRecord. Unknown keys and pairs
// without '=' are ignored. An error is returned only when a byte counter is
// present but is not a non-negative integer.
func ParseLine(timestamp, line string) (*types.FlowRecord, error) {
	kv := splitPairs(line)

	sent, err := parseCounter(kv[KeyBytesSent])
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyBytesSent, err)
	}
	recv, err := parseCounter(kv[KeyBytesReceived])
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyBytesReceived, err)
	}

	return &types.FlowRecord{
		Timestamp:            timestamp,
		Source:               NewIdentity(kv[KeySource]),
		Destination:          NewIdentity(kv[KeyDestination]),
		SourceNamespace:      kv[KeySourceNamespace],
		DestinationNamespace: kv[KeyDestinationNamespace],
		Direction:            kv[KeyDirection],
		BytesSent:            sent,
		BytesReceived:        recv,
		Duration:             ParseDuration(kv[KeyDuration]),
	}, nil
}

func splitPairs(line string) map[string]string {
	kv := make(map[string]string)
	for _, pair := range strings.Split(line, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		kv[k] = v
	}
	return kv
}

func parseCounter(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

// ParseDuration removes every letter from s ("1.2ms" -> "1.2") and parses
// what remains as a float. The unit is dropped, not converted, so values match
// the training data. No numeric prefix yields 0.
func ParseDuration(s string) float64 {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return -1
		}
		return r
	}, s)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return 0
	}
	if f, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return f
	}
	prefix := numericPrefix.FindString(cleaned)
	if prefix == "" {
		return 0
	}
	f, err := strconv.ParseFloat(prefix, 64)
	if err != nil {
		return 0
	}
	return f
}
