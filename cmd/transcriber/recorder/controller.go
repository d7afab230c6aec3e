package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/meetingscribe/transcriber/cmd/transcriber/metrics"
	"github.com/meetingscribe/transcriber/cmd/transcriber/queue"
)

// Recorder is the screen recording software being driven.
type Recorder interface {
	RecordStatus(ctx context.Context) (bool, error)
	StartRecord(ctx context.Context) error
	// StopRecord returns the path of the recorded file, if known.
	StopRecord(ctx context.Context) (string, error)
}

type ControllerConfig struct {
	// Directory where the recorder writes its files.
	RecordingPath string
	// Extension of the recorded files, including the leading dot.
	RecordingExt string
	// Time given to the recorder to finalize the file when its path is not
	// reported back.
	FinalizeDelay time.Duration
}

func (c ControllerConfig) IsValid() error {
	if c.RecordingPath == "" {
		return fmt.Errorf("RecordingPath cannot be empty")
	}
	if !strings.HasPrefix(c.RecordingExt, ".") {
		return fmt.Errorf("RecordingExt should start with a dot")
	}
	return nil
}

type Status struct {
	Recording bool
	Meeting   *Meeting
	Queue     []queue.Job
}

type Controller struct {
	cfg     ControllerConfig
	rec     Recorder
	lock    *PendingLock
	store   *queue.Store
	metrics *metrics.Metrics
}

func NewController(cfg ControllerConfig, rec Recorder, lock *PendingLock, store *queue.Store, m *metrics.Metrics) (*Controller, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if rec == nil || lock == nil || store == nil {
		return nil, fmt.Errorf("recorder, lock and store are required")
	}

	return &Controller{
		cfg:     cfg,
		rec:     rec,
		lock:    lock,
		store:   store,
		metrics: m,
	}, nil
}

func cleanAttendees(attendees []string) []string {
	var out []string
	for _, a := range attendees {
		a = strings.TrimSpace(strings.ReplaceAll(a, "|", " "))
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *Controller) Start(ctx context.Context, name string, attendees []string) (Meeting, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Meeting{}, fmt.Errorf("meeting name cannot be empty")
	}

	now := time.Now()
	m := Meeting{
		Name:      name,
		Date:      now.Format(queue.DateLayout),
		Attendees: cleanAttendees(attendees),
		StartedAt: now.UTC().Truncate(time.Second),
	}

	if err := c.lock.Acquire(m); err != nil {
		return Meeting{}, err
	}

	if err := c.startRecord(ctx); err != nil {
		if _, relErr := c.lock.Release(); relErr != nil {
			slog.Error("failed to release pending lock", slog.String("err", relErr.Error()))
		}
		return Meeting{}, err
	}

	c.metrics.ObserveRecordingStarted()

	slog.Info("recording started", slog.String("name", m.Name), slog.Int("attendees", len(m.Attendees)))

	return m, nil
}

// startRecord starts the recorder. It refuses if the recorder is already
// recording outside the pending lock.
func (c *Controller) startRecord(ctx context.Context) error {
	active, err := c.rec.RecordStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get record status: %w", err)
	}
	if active {
		return fmt.Errorf("%w: recorder is busy with another recording", ErrAlreadyRecording)
	}

	if err := c.rec.StartRecord(ctx); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}

	return nil
}

// findRecording returns the newest file with the recording extension in
// dir that was modified at or after since.
func findRecording(dir, ext string, since time.Time) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read recording directory: %w", err)
	}

	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.EqualFold(filepath.Ext(e.Name()), ext) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if mod.Before(since) {
			continue
		}
		if newest == "" || mod.After(newestMod) {
			newest = filepath.Join(dir, e.Name())
			newestMod = mod
		}
	}

	if newest == "" {
		return "", fmt.Errorf("could not find recording file in %s", dir)
	}

	return newest, nil
}

// resolveRecording returns the file produced by the recording started at
// since, preferring the path reported by the recorder.
func (c *Controller) resolveRecording(ctx context.Context, reported string, since time.Time) (string, error) {
	if reported != "" {
		if info, err := os.Stat(reported); err == nil && info.Mode().IsRegular() && !info.ModTime().Before(since) {
			return reported, nil
		}
		slog.Warn("reported recording file is not usable, searching recording directory", slog.String("path", reported))
	}

	if c.cfg.FinalizeDelay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.cfg.FinalizeDelay):
		}
	}

	return findRecording(c.cfg.RecordingPath, c.cfg.RecordingExt, since)
}

// Stop ends the pending recording and queues it for processing. The
// pending state is kept if the recorder fails to stop. A corrupted pending
// state can only be cleared with Abort.
func (c *Controller) Stop(ctx context.Context) (queue.Job, error) {
	m, err := c.lock.Current()
	if errors.Is(err, ErrCorruptPending) {
		return queue.Job{}, fmt.Errorf("%w, abort the recording to clear it", err)
	} else if err != nil {
		return queue.Job{}, err
	}
	if m == nil {
		return queue.Job{}, ErrNotRecording
	}

	reported, err := c.rec.StopRecord(ctx)
	if err != nil {
		return queue.Job{}, fmt.Errorf("failed to stop recording: %w", err)
	}

	path, resolveErr := c.resolveRecording(ctx, reported, m.StartedAt)

	if _, err := c.lock.Release(); err != nil && !errors.Is(err, ErrNotRecording) {
		return queue.Job{}, err
	}

	if resolveErr != nil {
		return queue.Job{}, resolveErr
	}

	job, err := c.store.Add(queue.Job{
		RecordingPath: path,
		Name:          m.Name,
		Date:          m.Date,
		Attendees:     m.Attendees,
	})
	if err != nil {
		return queue.Job{}, fmt.Errorf("failed to queue recording: %w", err)
	}
	c.metrics.ObserveJob(string(job.Status))

	slog.Info("recording stopped and queued", slog.String("name", m.Name), slog.String("path", path), slog.String("id", job.ID))

	return job, nil
}

// Abort ends the pending recording and deletes the recorded file. The
// pending state is always cleared.
func (c *Controller) Abort(ctx context.Context) (Meeting, error) {
	m, err := c.lock.Current()
	if errors.Is(err, ErrCorruptPending) {
		return Meeting{}, c.abortCorrupt(ctx, err)
	} else if err != nil {
		return Meeting{}, err
	}
	if m == nil {
		return Meeting{}, ErrNotRecording
	}

	defer func() {
		if _, err := c.lock.Release(); err != nil && !errors.Is(err, ErrNotRecording) {
			slog.Error("failed to release pending lock", slog.String("err", err.Error()))
		}
	}()

	reported, err := c.rec.StopRecord(ctx)
	if err != nil {
		return *m, fmt.Errorf("failed to stop recording: %w", err)
	}

	path, err := c.resolveRecording(ctx, reported, m.StartedAt)
	if err != nil {
		slog.Warn("no recording file to delete", slog.String("err", err.Error()))
		return *m, nil
	}

	if err := os.Remove(path); err != nil {
		return *m, fmt.Errorf("failed to delete recording: %w", err)
	}

	slog.Info("recording aborted", slog.String("name", m.Name), slog.String("path", path))

	return *m, nil
}

// abortCorrupt clears a pending state that cannot be decoded. The
// recording start time is unknown so no file is deleted.
func (c *Controller) abortCorrupt(ctx context.Context, cause error) error {
	slog.Warn("aborting corrupted pending recording", slog.String("err", cause.Error()))

	if _, err := c.lock.Release(); err != nil && !errors.Is(err, ErrNotRecording) {
		return err
	}

	active, err := c.rec.RecordStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get record status: %w", err)
	}
	if !active {
		return nil
	}
	if _, err := c.rec.StopRecord(ctx); err != nil {
		return fmt.Errorf("failed to stop recording: %w", err)
	}

	return nil
}

// Status reports the pending meeting and the queue. A corrupted pending
// state is reported as recording with an unknown meeting.
func (c *Controller) Status() (Status, error) {
	m, err := c.lock.Current()
	corrupt := errors.Is(err, ErrCorruptPending)
	if corrupt {
		slog.Warn("pending recording is unreadable", slog.String("err", err.Error()))
	} else if err != nil {
		return Status{}, err
	}

	jobs, err := c.store.List()
	if err != nil {
		return Status{}, err
	}

	return Status{
		Recording: m != nil || corrupt,
		Meeting:   m,
		Queue:     jobs,
	}, nil
}
