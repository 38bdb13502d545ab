// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod         = "method"
	attrPath           = "path"
	attrStatus         = "status"
	attrProvider       = "provider"
	attrAnalysisStatus = "analysis_status"
	attrOutcome        = "outcome"
	attrCollaborator   = "collaborator"
)

// idSegments maps a collection segment to the placeholder of the identifier
// that follows it.
var idSegments = map[string]string{
	"networks":   "{networkUuid}",
	"results":    "{resultUuid}",
	"parameters": "{parametersUuid}",
}

// fixedSegments follow a collection segment but are routes, not identifiers.
var fixedSegments = map[string]bool{
	"invalidate-status": true,
	"default":           true,
}

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func providerAttr(provider string) attribute.KeyValue {
	return attribute.String(attrProvider, provider)
}

func analysisStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrAnalysisStatus, status)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func collaboratorAttr(name string) attribute.KeyValue {
	return attribute.String(attrCollaborator, name)
}

// normalizePath replaces identifier segments with placeholders to bound
// label cardinality: /v1/results/abc/status -> /v1/results/{resultUuid}/status.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		placeholder, ok := idSegments[parts[i-1]]
		if ok && parts[i] != "" && !fixedSegments[parts[i]] {
			parts[i] = placeholder
		}
	}
	return strings.Join(parts, "/")
}
