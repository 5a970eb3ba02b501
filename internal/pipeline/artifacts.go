package pipeline

import (
	"fmt"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/invisible-tech/meshguard/internal/config"
	"github.com/invisible-tech/meshguard/internal/detection"
	"github.com/invisible-tech/meshguard/internal/types"
	"github.com/invisible-tech/meshguard/pkg/artifact"
	"github.com/invisible-tech/meshguard/pkg/classifier"
	"github.com/invisible-tech/meshguard/pkg/features"
)

// Artifacts are the immutable inputs loaded once at startup.
type Artifacts struct {
	Forest     *classifier.Forest
	Scaler     *features.RobustScaler
	Vocabulary *features.Vocabulary
	Filter     *detection.Filter
	// Digests maps artifact name to the sha256 of the file that was loaded.
	Digests map[string]string
	// Paths maps artifact name to its file.
	Paths    map[string]string
	LoadedAt time.Time
}

// LoadArtifacts reads the model, scaler and vocabulary named in cfg and
// checks they agree with each other.
func LoadArtifacts(cfg config.DetectorConfig) (*Artifacts, error) {
	vf := config.DefaultVocabulary()
	if cfg.VocabularyPath != "" {
		var err error
		if vf, err = config.LoadVocabularyFile(cfg.VocabularyPath); err != nil {
			return nil, err
		}
	}
	vocab, err := features.NewVocabulary(vf.Spec())
	if err != nil {
		return nil, fmt.Errorf("invalid vocabulary: %w", err)
	}

	forest, err := classifier.LoadForest(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	scaler, err := features.LoadRobustScaler(cfg.ScalerPath)
	if err != nil {
		return nil, err
	}

	var errs []error
	if forest.NFeatures != types.FeatureWidth {
		errs = append(errs, fmt.Errorf("model expects %d features, encoder produces %d", forest.NFeatures, types.FeatureWidth))
	}
	if scaler.Width() != types.NumericWidth {
		errs = append(errs, fmt.Errorf("scaler has %d columns, want %d", scaler.Width(), types.NumericWidth))
	}
	if forest.VocabularyVersion != "" && forest.VocabularyVersion != vocab.Version() {
		errs = append(errs, fmt.Errorf("model trained with vocabulary %q, loaded vocabulary is %q", forest.VocabularyVersion, vocab.Version()))
	}
	if !containsLabel(forest.ClassLabels(), cfg.MaliciousLabel) {
		errs = append(errs, fmt.Errorf("malicious label %d is not a model class %v", cfg.MaliciousLabel, forest.ClassLabels()))
	}
	if err := utilerrors.NewAggregate(errs); err != nil {
		return nil, err
	}

	a := &Artifacts{
		Forest:     forest,
		Scaler:     scaler,
		Vocabulary: vocab,
		Filter:     detection.NewFilter(vf.KnownWorkloads),
		Digests:    make(map[string]string),
		Paths: map[string]string{
			"model":  cfg.ModelPath,
			"scaler": cfg.ScalerPath,
		},
		LoadedAt: time.Now(),
	}
	if cfg.VocabularyPath != "" {
		a.Paths["vocabulary"] = cfg.VocabularyPath
	}
	for name, path := range a.Paths {
		d, err := artifact.Digest(path)
		if err != nil {
			return nil, err
		}
		a.Digests[name] = d
	}
	return a, nil
}

// Info returns the summary served on the artifacts endpoint.
func (a *Artifacts) Info() types.ArtifactInfo {
	digests := make(map[string]string, len(a.Digests))
	for k, v := range a.Digests {
		digests[k] = v
	}
	return types.ArtifactInfo{
		VocabularyVersion: a.Vocabulary.Version(),
		ModelTrees:        len(a.Forest.Trees),
		ModelClasses:      a.Forest.ClassLabels(),
		KnownWorkloads:    a.Filter.Len(),
		Digests:           digests,
		LoadedAt:          a.LoadedAt,
	}
}

func containsLabel(labels []int, label int) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
