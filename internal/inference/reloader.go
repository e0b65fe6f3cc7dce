package inference

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"microgrid-analytics/internal/artifact"
	"microgrid-analytics/internal/log"
	"microgrid-analytics/internal/metrics"
)

// DefaultDebounce collapses the burst of events produced by one training run.
const DefaultDebounce = 2 * time.Second

// Reloader watches an artifact directory and reloads the engine after the
// files change.
type Reloader struct {
	dir      string
	store    artifact.Store
	holder   *Holder
	opts     []Option
	debounce time.Duration
	log      log.Logger

	// reloaded is signalled after each reload attempt. Tests use it.
	reloaded chan error
}

func NewReloader(store *artifact.FileStore, holder *Holder, opts ...Option) *Reloader {
	return &Reloader{
		dir:      store.Dir,
		store:    store,
		holder:   holder,
		opts:     opts,
		debounce: DefaultDebounce,
		log:      log.WithName("reloader"),
	}
}

// Run blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(r.dir); err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	r.log.Info("Watching artifacts", "dir", r.dir)

	timer := time.NewTimer(r.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isArtifact(ev.Name) || !(ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Rename)) {
				continue
			}
			r.log.Debug("Artifact changed", "file", ev.Name, "op", ev.Op.String())
			timer.Reset(r.debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.Error(err, "Watcher error")

		case <-timer.C:
			err := r.reload(ctx)
			if r.reloaded != nil {
				r.reloaded <- err
			}
		}
	}
}

func (r *Reloader) reload(ctx context.Context) error {
	e, err := Load(ctx, r.store, r.opts...)
	if err != nil {
		metrics.ModelReloads.WithLabelValues("failed").Inc()
		r.log.Error(err, "Reload failed, keeping current models")
		return err
	}
	r.holder.Store(e)
	metrics.ModelReloads.WithLabelValues("success").Inc()
	r.log.Info("Models reloaded", "location", r.store.Location())
	return nil
}

func isArtifact(path string) bool {
	switch filepath.Base(path) {
	case artifact.ForecastModelName, artifact.ForecastScalerName, artifact.MaintenanceModelName:
		return true
	}
	return false
}
