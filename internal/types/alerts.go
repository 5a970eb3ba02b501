package types

import "time"

// AlertKind distinguishes the two alert paths of a pipeline run.
type AlertKind string

const (
	// AlertNewWorkload is raised for a source workload outside the allow-list.
	AlertNewWorkload AlertKind = "new_workload"
	// AlertMaliciousTraffic is raised for a record classified as malicious.
	AlertMaliciousTraffic AlertKind = "malicious_traffic"
)

// Alert is a formatted notification plus its delivery outcome.
type Alert struct {
	ID         string      `json:"id"`
	Kind       AlertKind   `json:"kind"`
	CreatedAt  time.Time   `json:"created_at"`
	Record     FlowRecord  `json:"record"`
	Prediction *Prediction `json:"prediction,omitempty"`
	Message    string      `json:"message"`
	Delivered  bool        `json:"delivered"`
}

// ArtifactInfo summarizes the immutable artifacts loaded at startup.
type ArtifactInfo struct {
	VocabularyVersion string            `json:"vocabulary_version"`
	ModelTrees        int               `json:"model_trees"`
	ModelClasses      []int             `json:"model_classes"`
	KnownWorkloads    int               `json:"known_workloads"`
	Digests           map[string]string `json:"digests"`
	LoadedAt          time.Time         `json:"loaded_at"`
}
