// Package config provides configuration loading from the environment and
// defaults for the meshguard detector.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvBool returns the boolean for key, or defaultValue if unset/invalid.
func GetEnvBool(key string, defaultValue bool) bool {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return defaultValue
	}
	return b
}

// GetEnvList returns the comma separated values of key with blanks dropped,
// or defaultValue if unset or empty.
func GetEnvList(key string, defaultValue []string) []string {
	s := os.Getenv(key)
	if strings.TrimSpace(s) == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// DefaultLokiURL is the query_range endpoint of the cluster Loki.
const DefaultLokiURL = "https://grafanaloki.devops-tool.com/loki/api/v1/query_range"

// DetectorConfig holds configuration for the detector process.
type DetectorConfig struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string

	Interval    time.Duration
	QueryWindow time.Duration
	QueryLimit  int

	ModelPath      string
	ScalerPath     string
	VocabularyPath string
	WatchArtifacts bool
	MaliciousLabel int

	LokiURL         string
	LokiUsername    string
	LokiPassword    string
	LokiOrgID       string
	LokiSelector    string
	LokiTimeout     time.Duration
	WatchNamespaces []string

	SlackWebhookURL string
	SlackTimeout    time.Duration
}

func defaultWatchNamespaces() []string {
	return []string{"backend-ns", "databases", "frontend-ns", "opentelemetry", "istio-system"}
}

// DefaultDetectorConfig returns detector config from environment with defaults.
func DefaultDetectorConfig() DetectorConfig {
	webhook := GetEnv("SLACK_WEBHOOK_URL", "")
	if webhook == "" {
		// Deployments created for the first release export the hyphenated name.
		webhook = GetEnv("SLACK-WEBHOOK-URL", "")
	}
	return DetectorConfig{
		HTTPAddr:        GetEnv("HTTP_ADDR", ":5000"),
		ShutdownTimeout: GetEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:        GetEnv("LOG_LEVEL", "info"),
		Interval:        GetEnvDuration("PIPELINE_INTERVAL", time.Minute),
		QueryWindow:     GetEnvDuration("QUERY_WINDOW", 90*time.Second),
		QueryLimit:      GetEnvInt("QUERY_LIMIT", 1000),
		ModelPath:       GetEnv("MODEL_PATH", "/app/rf_model.json"),
		ScalerPath:      GetEnv("SCALER_PATH", "/app/robust_scaler.json"),
		VocabularyPath:  GetEnv("VOCABULARY_PATH", ""),
		WatchArtifacts:  GetEnvBool("WATCH_ARTIFACTS", true),
		MaliciousLabel:  GetEnvInt("MALICIOUS_LABEL", 0),
		LokiURL:         GetEnv("LOKI_URL", DefaultLokiURL),
		LokiUsername:    GetEnv("LOKI_USER", ""),
		LokiPassword:    GetEnv("LOKI_PASS", ""),
		LokiOrgID:       GetEnv("LOKI_ORG_ID", ""),
		LokiSelector:    GetEnv("LOKI_SELECTOR", ""),
		LokiTimeout:     GetEnvDuration("LOKI_TIMEOUT", 30*time.Second),
		WatchNamespaces: GetEnvList("WATCH_NAMESPACES", defaultWatchNamespaces()),
		SlackWebhookURL: webhook,
		SlackTimeout:    GetEnvDuration("SLACK_TIMEOUT", 10*time.Second),
	}
}
