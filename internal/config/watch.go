package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher re-resolves the configuration when any source file changes and
// hands the fresh snapshot to the callback. In-flight calls keep seeing
// the snapshot they started with; the owner swaps an atomic pointer.
type Watcher struct {
	fs     *fsnotify.Watcher
	logger *zap.Logger
	done   chan struct{}
}

// Watch observes the project file, its drop-in directory and the user
// file. Reload failures keep the previous snapshot and are logged.
func Watch(logger *zap.Logger, onChange func(*Merged), opts ...Option) (*Watcher, error) {
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	projectPath := o.ProjectPath
	if projectPath == "" {
		projectPath = defaultProjectFile
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch directories, not files: editors replace files on save and a
	// file watch dies with the old inode.
	dirs := map[string]struct{}{
		filepath.Dir(projectPath): {},
		filepath.Join(filepath.Dir(projectPath), projectDropInDir): {},
	}
	if o.UserPath != "" {
		dirs[filepath.Dir(o.UserPath)] = struct{}{}
	}
	for dir := range dirs {
		_ = fs.Add(dir)
	}

	w := &Watcher{fs: fs, logger: logger, done: make(chan struct{})}
	go w.loop(onChange, opts)
	return w, nil
}

func (w *Watcher) loop(onChange func(*Merged), opts []Option) {
	var debounce *time.Timer
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Ext(ev.Name) != ".yaml" && filepath.Ext(ev.Name) != ".env" {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				merged, err := Load(opts...)
				if err != nil {
					w.logger.Warn("config reload failed, keeping previous snapshot", zap.Error(err))
					return
				}
				w.logger.Info("config reloaded", zap.String("trigger", ev.Name))
				onChange(merged)
			})
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}
