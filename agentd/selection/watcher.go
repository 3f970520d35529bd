package selection

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ArtifactWatcher hot-reloads the classifier when its artifact file changes
// on disk. Reload failures keep the previously installed model.
type ArtifactWatcher struct {
	classifier *Classifier
	watcher    *fsnotify.Watcher
	logger     zerolog.Logger
	done       chan struct{}
}

// WatchArtifact starts watching the classifier's artifact path.
func WatchArtifact(classifier *Classifier, path string, logger zerolog.Logger) (*ArtifactWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and atomic writers replace the file.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	w := &ArtifactWatcher{
		classifier: classifier,
		watcher:    watcher,
		logger:     logger.With().Str("component", "artifact_watcher").Logger(),
		done:       make(chan struct{}),
	}
	go w.run(filepath.Clean(path))
	return w, nil
}

func (w *ArtifactWatcher) run(path string) {
	// Debounce bursts of write events from atomic saves.
	var timer *time.Timer
	reload := func() {
		if err := w.classifier.Load(); err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("artifact reload failed, keeping previous model")
			return
		}
		w.logger.Info().Str("path", path).Msg("classifier artifact reloaded")
	}

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("artifact watcher error")
		}
	}
}

// Close stops the watcher.
func (w *ArtifactWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
