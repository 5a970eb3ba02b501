package artifact

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var artifactChanges = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "meshguard_artifact_changes_total",
		Help: "Artifact files whose on-disk digest no longer matches the loaded copy",
	},
	[]string{"artifact"},
)

func init() {
	prometheus.MustRegister(artifactChanges)
}

// Change describes an artifact whose file no longer matches the loaded digest.
type Change struct {
	Name   string
	Path   string
	Loaded string
	// Current is empty when the file was removed or cannot be read.
	Current string
}

// Watcher reports artifacts modified on disk after startup. Loaded artifacts
// are never reloaded; a change requires a process restart to take effect.
type Watcher struct {
	log     *logrus.Logger
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	byPath   map[string]string // path -> artifact name
	baseline map[string]string // path -> digest at load time
	reported map[string]string // path -> last digest reported

	changes chan Change
}

// NewWatcher creates a watcher for the given artifacts (name -> path) with
// their load-time digests (name -> digest).
func NewWatcher(paths, digests map[string]string, log *logrus.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		log:      log,
		watcher:  fw,
		byPath:   make(map[string]string),
		baseline: make(map[string]string),
		reported: make(map[string]string),
		changes:  make(chan Change, 16),
	}

	dirs := make(map[string]bool)
	for name, path := range paths {
		if path == "" {
			continue
		}
		clean := filepath.Clean(path)
		w.byPath[clean] = name
		w.baseline[clean] = digests[name]
		dirs[filepath.Dir(clean)] = true
	}
	// Watch parent directories so atomic replace (rename over) is seen.
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			log.WithError(err).WithField("path", dir).Warn("Failed to watch artifact directory")
		}
	}
	return w, nil
}

// Changes delivers detected changes. Sends are dropped when nobody reads.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Start processes filesystem events until ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	w.log.Info("Starting artifact watcher")
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Artifact watcher stopping")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("Artifact watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)

	w.mu.Lock()
	defer w.mu.Unlock()

	name, ok := w.byPath[path]
	if !ok {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	current, err := Digest(path)
	if err != nil {
		current = ""
	}
	if current == w.baseline[path] {
		delete(w.reported, path)
		return
	}
	if last, seen := w.reported[path]; seen && last == current {
		return
	}
	w.reported[path] = current

	artifactChanges.WithLabelValues(name).Inc()
	w.log.WithFields(logrus.Fields{
		"artifact":       name,
		"path":           path,
		"loaded_digest":  w.baseline[path],
		"current_digest": current,
		"operation":      event.Op.String(),
	}).Warn("Artifact changed on disk; restart to load the new version")

	select {
	case w.changes <- Change{Name: name, Path: path, Loaded: w.baseline[path], Current: current}:
	default:
	}
}
