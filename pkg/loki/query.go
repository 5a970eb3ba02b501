package loki

import (
	"fmt"
	"strings"
)

// DefaultSelector selects ztunnel access logs.
const DefaultSelector = `{namespace="istio-system", pod=~"ztunnel-.*"}`

// flowLineFormat rewrites each ztunnel access log into the key=value line
// consumed by flowlog.ParseLine.
const flowLineFormat = `src={{.src_workload}},dst={{.dst_workload}},src_ns={{.src_namespace}},dst_ns={{.dst_namespace}},` +
	`direction={{.direction}},bytes_sent={{.bytes_sent}},bytes_recv={{.bytes_recv}},duration={{.duration}}`

var keptLabels = []string{
	"src_workload", "dst_workload", "src_namespace", "dst_namespace",
	"dst_service", "direction", "bytes_sent", "bytes_recv", "duration",
}

// FlowQuery builds the LogQL query for flow records whose source and
// destination namespaces are both in namespaces.
func FlowQuery(selector string, namespaces []string) string {
	if selector == "" {
		selector = DefaultSelector
	}
	nsFilter := strings.Join(namespaces, "|")

	var b strings.Builder
	b.WriteString(selector)
	b.WriteString(` | json | line_format "{{.message}}" | logfmt`)
	fmt.Fprintf(&b, ` | line_format "%s"`, flowLineFormat)
	if nsFilter != "" {
		fmt.Fprintf(&b, ` | dst_namespace=~"%s" | src_namespace=~"%s"`, nsFilter, nsFilter)
	}
	fmt.Fprintf(&b, ` | keep %s`, strings.Join(keptLabels, ", "))
	return b.String()
}
