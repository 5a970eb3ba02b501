package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/invisible-tech/meshguard/pkg/features"
)

// VocabularyFile is the on-disk form of the training vocabulary and the
// known-workload allow-list.
type VocabularyFile struct {
	Version              string         `yaml:"version"`
	SourceWorkloads      map[string]int `yaml:"source_workloads"`
	DestinationWorkloads map[string]int `yaml:"destination_workloads"`
	Namespaces           map[string]int `yaml:"namespaces"`
	Directions           map[string]int `yaml:"directions"`
	KnownWorkloads       []string       `yaml:"known_workloads"`
}

// Spec returns the encoder vocabulary described by the file.
func (f *VocabularyFile) Spec() features.VocabularySpec {
	return features.VocabularySpec{
		Version:              f.Version,
		SourceWorkloads:      f.SourceWorkloads,
		DestinationWorkloads: f.DestinationWorkloads,
		Namespaces:           f.Namespaces,
		Directions:           f.Directions,
	}
}

// Validate checks the allow-list. Vocabulary maps are checked when the
// encoder vocabulary is built.
func (f *VocabularyFile) Validate() error {
	if len(f.KnownWorkloads) == 0 {
		return errors.New("known_workloads must not be empty")
	}
	for i, w := range f.KnownWorkloads {
		if w == "" {
			return fmt.Errorf("known_workloads[%d] is empty", i)
		}
	}
	return nil
}

// LoadVocabularyFile reads a YAML vocabulary file.
func LoadVocabularyFile(path string) (*VocabularyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary %s: %w", path, err)
	}
	var f VocabularyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode vocabulary %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vocabulary %s: %w", path, err)
	}
	return &f, nil
}

// DefaultVocabulary returns the vocabulary the bundled model was trained with.
func DefaultVocabulary() *VocabularyFile {
	return &VocabularyFile{
		Version: "2024-training",
		SourceWorkloads: map[string]int{
			"backdoor-shell":                         0,
			"book-services-deployment":               1,
			"book-transaction-service-deployment":    2,
			"coredns":                                3,
			"crypto-miner":                           4,
			"feedback-service-deployment":            5,
			"frontend":                               6,
			"istio-ingress":                          7,
			"malicious-api-gateway":                  8,
			"malicious-c2-server":                    9,
			"metrics-server":                         10,
			"mysql-books":                            11,
			"mysql-feedbacks":                        12,
			"mysql-transactions":                     13,
			"otel-collector-opentelemetry-collector": 14,
			"port-scanner":                           15,
			"security-service-deployment":            16,
			"unknown-ext-svc":                        17,
			"upload-file-service-deployment":         18,
		},
		DestinationWorkloads: map[string]int{
			"backdoor-shell":                         0,
			"book-services-deployment":               1,
			"book-transaction-service-deployment":    2,
			"coredns":                                3,
			"crypto-miner":                           4,
			"feedback-service-deployment":            5,
			"frontend":                               6,
			"istiod":                                 7,
			"malicious-api-gateway":                  8,
			"metrics-server":                         9,
			"mysql-books":                            10,
			"mysql-feedbacks":                        11,
			"mysql-transactions":                     12,
			"otel-collector-opentelemetry-collector": 13,
			"security-service-deployment":            14,
			"unknown-ext-svc":                        15,
			"upload-file-service-deployment":         16,
		},
		Namespaces: map[string]int{
			"backend-ns":    0,
			"databases":     1,
			"external":      2,
			"frontend-ns":   3,
			"istio-system":  4,
			"kube-system":   5,
			"opentelemetry": 6,
		},
		Directions: map[string]int{
			"inbound":  0,
			"outbound": 1,
		},
		KnownWorkloads: []string{
			"istio-ingress",
			"frontend",
			"book-services-deployment",
			"book-transaction-service-deployment",
			"config-service-deployment",
			"feedback-service-deployment",
			"kafka",
			"notification-service-deployment",
			"security-service-deployment",
			"upload-file-service-deployment",
			"mysql-books",
			"mysql-feedbacks",
			"mysql-transactions",
			"mongo-file",
			"mongo-notifications",
			"otel-collector-opentelemetry-collector",
			"zookeeper",
			"bsn-cert-refresher",
		},
	}
}
