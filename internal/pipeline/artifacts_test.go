package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/invisible-tech/meshguard/internal/config"
)

const testModel = `{
  "n_features": 8,
  "classes": [0, 1],
  "vocabulary_version": "%s",
  "trees": [{
    "children_left": [1, -1, -1],
    "children_right": [2, -1, -1],
    "feature": [3, -2, -2],
    "threshold": [-0.5, -2, -2],
    "value": [[0, 0], [9, 1], [1, 9]]
  }]
}`

const testScaler = `{"center": [100, 200, 3], "scale": [50, 80, 2], "feature_names": ["bytes_sent", "bytes_recv", "duration"]}`

func writeArtifacts(t *testing.T, vocabVersion, scaler string) config.DetectorConfig {
	t.Helper()
	dir := t.TempDir()
	model := filepath.Join(dir, "rf_model.json")
	if err := os.WriteFile(model, []byte(strings.Replace(testModel, "%s", vocabVersion, 1)), 0o644); err != nil {
		t.Fatal(err)
	}
	sc := filepath.Join(dir, "robust_scaler.json")
	if err := os.WriteFile(sc, []byte(scaler), 0o644); err != nil {
		t.Fatal(err)
	}
	return config.DetectorConfig{ModelPath: model, ScalerPath: sc}
}

func TestLoadArtifacts(t *testing.T) {
	cfg := writeArtifacts(t, config.DefaultVocabulary().Version, testScaler)

	a, err := LoadArtifacts(cfg)
	if err != nil {
		t.Fatalf("LoadArtifacts: %v", err)
	}
	if a.Scaler.Width() != 3 || len(a.Forest.Trees) != 1 {
		t.Errorf("artifacts = %+v", a)
	}
	if !a.Filter.Known("istio-ingress") || a.Filter.Known("crypto-miner") {
		t.Error("default allow-list not loaded")
	}

	info := a.Info()
	if info.VocabularyVersion != config.DefaultVocabulary().Version || info.ModelTrees != 1 || info.KnownWorkloads != 18 {
		t.Errorf("info = %+v", info)
	}
	if len(info.Digests["model"]) != 64 || len(info.Digests["scaler"]) != 64 {
		t.Errorf("digests = %v", info.Digests)
	}
	if _, ok := info.Digests["vocabulary"]; ok {
		t.Error("built-in vocabulary has no file digest")
	}
}

func TestLoadArtifacts_VocabularyFile(t *testing.T) {
	cfg := writeArtifacts(t, "custom", testScaler)
	cfg.VocabularyPath = filepath.Join(t.TempDir(), "vocabulary.yaml")
	vocab := `version: custom
source_workloads: {frontend: 0}
destination_workloads: {istiod: 0}
namespaces: {frontend-ns: 0}
directions: {inbound: 0, outbound: 1}
known_workloads: [frontend]
`
	if err := os.WriteFile(cfg.VocabularyPath, []byte(vocab), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := LoadArtifacts(cfg)
	if err != nil {
		t.Fatalf("LoadArtifacts: %v", err)
	}
	if a.Filter.Len() != 1 || a.Digests["vocabulary"] == "" {
		t.Errorf("filter = %d workloads, digests = %v", a.Filter.Len(), a.Digests)
	}
}

func TestLoadArtifacts_Mismatch(t *testing.T) {
	t.Run("vocabulary version", func(t *testing.T) {
		cfg := writeArtifacts(t, "other-version", testScaler)
		_, err := LoadArtifacts(cfg)
		if err == nil || !strings.Contains(err.Error(), "vocabulary") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("scaler width", func(t *testing.T) {
		cfg := writeArtifacts(t, config.DefaultVocabulary().Version, `{"center": [1, 2], "scale": [1, 1]}`)
		_, err := LoadArtifacts(cfg)
		if err == nil || !strings.Contains(err.Error(), "columns") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("malicious label not a class", func(t *testing.T) {
		cfg := writeArtifacts(t, config.DefaultVocabulary().Version, testScaler)
		cfg.MaliciousLabel = 4
		if _, err := LoadArtifacts(cfg); err == nil {
			t.Error("expected error for unknown malicious label")
		}
	})

	t.Run("missing model", func(t *testing.T) {
		cfg := writeArtifacts(t, config.DefaultVocabulary().Version, testScaler)
		cfg.ModelPath = filepath.Join(t.TempDir(), "absent.json")
		if _, err := LoadArtifacts(cfg); err == nil {
			t.Error("expected error for missing model")
		}
	})
}
