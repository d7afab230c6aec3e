package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/meetingscribe/transcriber/cmd/transcriber/queue"

	"github.com/fsnotify/fsnotify"
)

var (
	watchDebounce   = time.Second
	watchRetryDelay = 30 * time.Second
)

// Watch processes recordings as they get queued until ctx is done. Jobs
// that fail are not retried by the watcher.
func (p *Processor) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	// The queue file is replaced on every update so its directory is
	// watched instead.
	queueFile := filepath.Base(p.store.Path())
	dir := filepath.Dir(p.store.Path())
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	slog.Info("watching queue", slog.String("path", p.store.Path()))

	seen := make(map[string]bool)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Base(ev.Name) != queueFile || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				continue
			}
			timer.Reset(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			slog.Error("watcher error", slog.String("err", err.Error()))
		case <-timer.C:
			if retry := p.processNew(ctx, seen); retry {
				timer.Reset(watchRetryDelay)
			}
		}
	}
}

// processNew runs the queue if it holds recorded jobs not seen before. It
// returns true if the run should be retried later.
func (p *Processor) processNew(ctx context.Context, seen map[string]bool) bool {
	jobs, err := p.store.List()
	if err != nil {
		slog.Error("failed to list jobs", slog.String("err", err.Error()))
		return false
	}

	var fresh []string
	for _, j := range jobs {
		if j.Status == queue.StatusRecorded && !seen[j.ID] {
			fresh = append(fresh, j.ID)
		}
	}
	if len(fresh) == 0 {
		return false
	}

	n, err := p.ProcessAll(ctx)
	if errors.Is(err, ErrBusy) {
		slog.Debug("processing already in progress, retrying later")
		return true
	}
	for _, id := range fresh {
		seen[id] = true
	}
	if err != nil {
		slog.Error("failed to process queue", slog.String("err", err.Error()))
	}

	slog.Info("queue processed", slog.Int("processed", n))

	return false
}
