package transcript

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Follower watches a transcript file and hands every newly appended message,
// rendered as with Render, to a callback. Chat front ends usually rewrite the
// whole file on save, so the parent directory is watched and the file is
// re-read on every change.
type Follower struct {
	path     string
	callback func(units []string)
	logger   *zap.Logger

	mu      sync.Mutex
	seen    int
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFollower creates a Follower for path. When fromStart is true the
// messages already in the file are delivered by Start; otherwise only
// messages appended afterwards are.
func NewFollower(path string, fromStart bool, callback func(units []string), logger *zap.Logger) *Follower {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Follower{
		path:     filepath.Clean(path),
		callback: callback,
		logger:   logger,
		done:     make(chan struct{}),
	}
	if !fromStart {
		f.seen = -1
	}
	return f
}

// Start reads the file once and begins watching it. Call Stop to clean up.
func (f *Follower) Start() error {
	if _, err := os.Stat(f.path); err != nil {
		return err
	}

	f.mu.Lock()
	if f.seen < 0 {
		t, err := ReadFile(f.path)
		if err != nil {
			f.mu.Unlock()
			return err
		}
		f.seen = len(t.Render())
	}
	f.mu.Unlock()
	f.Poll()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		_ = w.Close()
		return err
	}
	f.watcher = w

	go f.loop()
	f.logger.Info("following transcript", zap.String("path", f.path), zap.Int("messages", f.Seen()))
	return nil
}

// Stop shuts down the watcher and waits for the event loop to exit.
func (f *Follower) Stop() {
	if f.watcher == nil {
		return
	}
	_ = f.watcher.Close()
	<-f.done
}

// Seen returns the number of messages delivered or skipped so far.
func (f *Follower) Seen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen
}

// Poll re-reads the file and delivers any messages past the last one seen.
// A file that shrank had messages deleted; following resumes from its new
// end. An empty read is treated as a save in progress and ignored.
func (f *Follower) Poll() {
	t, err := ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("failed to read transcript", zap.String("path", f.path), zap.Error(err))
		}
		return
	}
	units := t.Render()
	if len(units) == 0 {
		return
	}

	f.mu.Lock()
	if len(units) < f.seen {
		f.logger.Info("transcript shrank",
			zap.Int("was", f.seen),
			zap.Int("now", len(units)))
		f.seen = len(units)
	}
	fresh := units[f.seen:]
	f.seen = len(units)
	f.mu.Unlock()

	if len(fresh) > 0 && f.callback != nil {
		f.callback(fresh)
	}
}

func (f *Follower) loop() {
	defer close(f.done)
	for {
		select {
		case evt, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != f.path {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				f.Poll()
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("transcript watcher error", zap.Error(err))
		}
	}
}
