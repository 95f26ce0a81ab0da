package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a burst of file events is collected before the
// job is triggered.
const DefaultDebounce = 500 * time.Millisecond

// Watch maps a directory to the job triggered by changes in it.
type Watch struct {
	Dir string
	Job string
}

// Watcher triggers scheduler jobs when watched directories change.
type Watcher struct {
	watches  []Watch
	debounce time.Duration
	trigger  func(job string)
	logger   *slog.Logger
}

// NewWatcher creates a watcher that calls trigger after a debounced burst of
// changes in a watched directory.
func NewWatcher(watches []Watch, debounce time.Duration, trigger func(job string), logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{watches: watches, debounce: debounce, trigger: trigger, logger: logger}
}

// Start begins watching. Events are processed on a background goroutine that
// exits when ctx is cancelled; the returned channel is closed at that point.
func (w *Watcher) Start(ctx context.Context) (<-chan struct{}, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new watcher: %w", err)
	}

	jobs := make(map[string]string, len(w.watches))
	for _, wt := range w.watches {
		abs, err := filepath.Abs(wt.Dir)
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", wt.Dir, err)
		}
		if err := fsw.Add(abs); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", abs, err)
		}
		jobs[abs] = wt.Job
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer fsw.Close()
		w.loop(ctx, fsw, jobs)
	}()
	return done, nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, jobs map[string]string) {
	// Debounce bursts of events per job.
	pending := map[string]bool{}
	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			job, ok := jobs[filepath.Dir(ev.Name)]
			if !ok {
				continue
			}
			pending[job] = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)

		case <-timerC:
			timerC = nil
			for job := range pending {
				w.logger.Debug("change detected", "job", job)
				w.trigger(job)
			}
			clear(pending)
		}
	}
}
