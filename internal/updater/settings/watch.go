package settings

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/autopeer-io/updater/internal/updater/core/model"
)

const watchDebounce = 250 * time.Millisecond

// Watch reports external edits of the configuration file to onChange until
// ctx is done. Edits that match the configuration last loaded or saved are
// ignored, so writes made through Save do not echo back. Invalid edits are
// logged and dropped.
func (s *Store) Watch(ctx context.Context, onChange func(model.Configuration) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	s.log.Info("Watching configuration file", "path", s.path)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	stop := func() {
		if timer != nil {
			timer.Stop()
		}
	}
	defer stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filepath.Base(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			stop()
			timer = time.NewTimer(watchDebounce)
			fire = timer.C

		case <-fire:
			fire = nil
			s.reload(onChange)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("Configuration watcher error", "error", err)

		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Store) reload(onChange func(model.Configuration) error) {
	prev := s.current()

	// A rejected edit is seen again if it is made twice.
	cfg, err := s.read()
	if err != nil {
		s.log.Error(err, "Ignoring external configuration edit")
		return
	}
	if cfg == prev {
		return
	}

	s.log.Info("Configuration file changed externally", "path", s.path)
	if err := onChange(cfg); err != nil {
		s.log.Error(err, "Failed to apply external configuration edit")
	}
}
