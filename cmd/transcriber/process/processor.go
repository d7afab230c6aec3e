package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/meetingscribe/transcriber/cmd/transcriber/diarize"
	"github.com/meetingscribe/transcriber/cmd/transcriber/executor"
	"github.com/meetingscribe/transcriber/cmd/transcriber/filter"
	"github.com/meetingscribe/transcriber/cmd/transcriber/interleave"
	"github.com/meetingscribe/transcriber/cmd/transcriber/metrics"
	"github.com/meetingscribe/transcriber/cmd/transcriber/queue"
	"github.com/meetingscribe/transcriber/cmd/transcriber/srt"
	"github.com/meetingscribe/transcriber/cmd/transcriber/transcribe"

	"golang.org/x/sync/errgroup"
)

var ErrBusy = errors.New("processing already in progress")

const (
	selfAudioFile   = "me.wav"
	othersAudioFile = "others.wav"
)

// Transcriber turns an audio file into an SRT file written in outDir.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, outDir string) (string, error)
}

type Config struct {
	FFmpegBin string
	// Directory for the transcripts.
	OutputDir string
	// Directory for intermediate files. Each job gets its own
	// subdirectory.
	WorkDir     string
	Formats     []interleave.Format
	Text        transcribe.TextOptions
	WebVTT      transcribe.WebVTTOptions
	SelfLabel   string
	OthersLabel string
	// Optional command printing RTTM speaker turns for the audio file
	// passed as its last argument.
	DiarizeCmd       string
	DeleteRecordings bool
	Filter           filter.Options
	// StaleAfter is how long a job may stay in processing before a new run
	// puts it back in the queue. Zero disables it.
	StaleAfter time.Duration
}

func (c Config) IsValid() error {
	if c.FFmpegBin == "" {
		return fmt.Errorf("FFmpegBin cannot be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("OutputDir cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("WorkDir cannot be empty")
	}
	if len(c.Formats) == 0 {
		return fmt.Errorf("Formats cannot be empty")
	}
	for _, f := range c.Formats {
		if !f.IsValid() {
			return fmt.Errorf("OutputFormat value %q is not valid", f)
		}
	}
	if c.SelfLabel == "" || c.OthersLabel == "" {
		return fmt.Errorf("speaker labels cannot be empty")
	}
	if c.StaleAfter < 0 {
		return fmt.Errorf("StaleAfter cannot be negative")
	}
	return c.Filter.IsValid()
}

type Processor struct {
	cfg     Config
	store   *queue.Store
	exec    executor.Executor
	tr      Transcriber
	metrics *metrics.Metrics

	running atomic.Bool
}

func NewProcessor(cfg Config, store *queue.Store, exec executor.Executor, tr Transcriber, m *metrics.Metrics) (*Processor, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if store == nil || exec == nil || tr == nil {
		return nil, fmt.Errorf("store, executor and transcriber are required")
	}

	for _, dir := range []string{cfg.OutputDir, cfg.WorkDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return &Processor{
		cfg:     cfg,
		store:   store,
		exec:    exec,
		tr:      tr,
		metrics: m,
	}, nil
}

// Busy reports whether a processing run is in progress.
func (p *Processor) Busy() bool {
	return p.running.Load()
}

func (p *Processor) acquire() (func(), error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	return func() { p.running.Store(false) }, nil
}

// requeueStale recovers jobs left in processing by a run that never
// finished. It must be called with the busy flag held.
func (p *Processor) requeueStale() {
	if p.cfg.StaleAfter == 0 {
		return
	}
	requeued, err := p.store.Requeue(time.Now().Add(-p.cfg.StaleAfter))
	if err != nil {
		slog.Error("failed to requeue stale jobs", slog.String("err", err.Error()))
		return
	}
	for range requeued {
		p.metrics.ObserveJob("requeued")
	}
}

// ProcessNext processes the oldest recorded job. It returns
// queue.ErrNotFound if there is nothing to do.
func (p *Processor) ProcessNext(ctx context.Context) (queue.Job, error) {
	release, err := p.acquire()
	if err != nil {
		return queue.Job{}, err
	}
	defer release()

	p.requeueStale()

	job, err := p.store.Next(queue.StatusRecorded)
	if err != nil {
		return queue.Job{}, err
	}

	return p.process(ctx, job)
}

// ProcessAll processes every recorded job, oldest first, and returns the
// number of jobs that completed. A failing job does not stop the run.
func (p *Processor) ProcessAll(ctx context.Context) (int, error) {
	release, err := p.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	p.requeueStale()

	jobs, err := p.store.List()
	if err != nil {
		return 0, err
	}

	var pending []queue.Job
	for _, j := range jobs {
		if j.Status == queue.StatusRecorded {
			pending = append(pending, j)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Date < pending[j].Date
	})

	slog.Info("processing queue", slog.Int("pending", len(pending)))

	var done int
	var errs []error
	for _, job := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := p.process(ctx, job); err != nil {
			if errors.Is(err, queue.ErrStatusConflict) {
				slog.Debug("job claimed elsewhere", slog.String("id", job.ID))
				continue
			}
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
			continue
		}
		done++
	}

	return done, errors.Join(errs...)
}

func (p *Processor) process(ctx context.Context, job queue.Job) (queue.Job, error) {
	job, err := p.store.Transition(job.ID, queue.StatusRecorded, queue.StatusProcessing, nil)
	if err != nil {
		return queue.Job{}, err
	}

	slog.Info("processing recording",
		slog.String("id", job.ID),
		slog.String("name", job.Name),
		slog.String("path", job.RecordingPath))

	start := time.Now()
	workDir := filepath.Join(p.cfg.WorkDir, job.ID)

	transcript, err := p.run(ctx, job, workDir)
	if err != nil {
		slog.Error("failed to process recording", slog.String("id", job.ID), slog.String("err", err.Error()))
		if _, tErr := p.store.Transition(job.ID, queue.StatusProcessing, queue.StatusRecorded, func(j *queue.Job) {
			j.Error = err.Error()
		}); tErr != nil {
			slog.Error("failed to release job", slog.String("id", job.ID), slog.String("err", tErr.Error()))
		}
		p.metrics.ObserveJob("failed")
		return queue.Job{}, err
	}

	job, err = p.store.Transition(job.ID, queue.StatusProcessing, queue.StatusProcessed, func(j *queue.Job) {
		j.Error = ""
		j.Transcript = transcript
	})
	if err != nil {
		return queue.Job{}, fmt.Errorf("failed to complete job: %w", err)
	}

	dur := time.Since(start)
	p.metrics.ObserveJob(string(queue.StatusProcessed))
	p.metrics.ObserveProcessing(dur)

	slog.Info("recording processed",
		slog.String("id", job.ID),
		slog.String("transcript", transcript),
		slog.Duration("dur", dur))

	p.cleanup(job, workDir)

	return job, nil
}

// run produces the transcript files for job and returns the path of the
// first one.
func (p *Processor) run(ctx context.Context, job queue.Job, workDir string) (string, error) {
	if _, err := os.Stat(job.RecordingPath); err != nil {
		return "", fmt.Errorf("recording file not available: %w", err)
	}

	if err := os.MkdirAll(workDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}

	selfAudio := filepath.Join(workDir, selfAudioFile)
	othersAudio := filepath.Join(workDir, othersAudioFile)
	if err := p.extractAudio(ctx, job.RecordingPath, selfAudio, othersAudio); err != nil {
		return "", err
	}

	var selfSRT, othersSRT string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		selfSRT, err = p.tr.Transcribe(gctx, selfAudio, workDir)
		return err
	})
	g.Go(func() error {
		var err error
		othersSRT, err = p.tr.Transcribe(gctx, othersAudio, workDir)
		return err
	})
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("failed to transcribe: %w", err)
	}

	selfTrack, selfWarnings, err := p.loadTrack(selfSRT, p.cfg.SelfLabel)
	if err != nil {
		return "", err
	}
	othersTrack, othersWarnings, err := p.loadTrack(othersSRT, p.cfg.OthersLabel)
	if err != nil {
		return "", err
	}

	tr := transcribe.Transcription{selfTrack}
	if p.cfg.DiarizeCmd != "" {
		tr = append(tr, p.diarize(ctx, othersTrack, othersAudio)...)
	} else {
		tr = append(tr, othersTrack)
	}

	if err := os.MkdirAll(p.cfg.OutputDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	base := transcriptBaseName(job)
	var transcript string
	for _, format := range p.cfg.Formats {
		dst := filepath.Join(p.cfg.OutputDir, base+"."+string(format))
		err := interleave.RenderFile(tr, dst, interleave.Options{
			Format: format,
			Text:   p.cfg.Text,
			WebVTT: p.cfg.WebVTT,
		})
		if err != nil {
			return "", err
		}
		if transcript == "" {
			transcript = dst
		}
	}

	p.metrics.ObserveMerge(len(tr.Interleave()), selfWarnings+othersWarnings)

	return transcript, nil
}

func (p *Processor) extractAudio(ctx context.Context, src, selfDst, othersDst string) error {
	args := []string{"-y", "-nostdin", "-i", src}
	for i, dst := range []string{selfDst, othersDst} {
		args = append(args,
			"-map", fmt.Sprintf("0:a:%d", i),
			"-ar", "16000",
			"-ac", "1",
			"-c:a", "pcm_s16le",
			dst,
		)
	}

	if _, err := p.exec.Execute(ctx, p.cfg.FFmpegBin, args...); err != nil {
		return fmt.Errorf("failed to extract audio tracks: %w", err)
	}

	return nil
}

func (p *Processor) loadTrack(path, label string) (transcribe.TrackTranscription, int, error) {
	segments, warnings, err := srt.ParseFile(path)
	if err != nil {
		return transcribe.TrackTranscription{}, 0, fmt.Errorf("failed to load transcription: %w", err)
	}

	kept, removed := filter.Filter(segments, p.cfg.Filter)
	if len(removed) > 0 {
		slog.Info("filtered hallucinations", slog.String("speaker", label), slog.Int("removed", len(removed)))
	}

	return transcribe.TrackTranscription{
		Speaker:  label,
		Segments: kept,
	}, len(warnings), nil
}

// diarize splits track by speaker. Failures are not fatal: the track is
// returned as is.
func (p *Processor) diarize(ctx context.Context, track transcribe.TrackTranscription, audioPath string) transcribe.Transcription {
	fields := strings.Fields(p.cfg.DiarizeCmd)
	out, err := p.exec.Execute(ctx, fields[0], append(fields[1:], audioPath)...)
	if err != nil {
		slog.Warn("diarization failed", slog.String("err", err.Error()))
		return transcribe.Transcription{track}
	}

	turns, err := diarize.ParseRTTM(strings.NewReader(out))
	if err != nil {
		slog.Warn("failed to parse diarization output", slog.String("err", err.Error()))
		return transcribe.Transcription{track}
	}

	tr := diarize.Split(track, turns)
	slog.Info("diarization done", slog.Int("turns", len(turns)), slog.Int("tracks", len(tr)))

	return tr
}

// cleanup removes intermediate files once the transcript is known to be
// on disk, and the recording itself if configured to.
func (p *Processor) cleanup(job queue.Job, workDir string) {
	info, err := os.Stat(job.Transcript)
	if err != nil || info.Size() == 0 {
		slog.Warn("transcript missing or empty, keeping intermediate files",
			slog.String("id", job.ID), slog.String("workDir", workDir))
		return
	}

	if err := os.RemoveAll(workDir); err != nil {
		slog.Error("failed to remove intermediate files", slog.String("err", err.Error()))
	}

	if !p.cfg.DeleteRecordings {
		return
	}

	cur, err := p.store.Get(job.ID)
	if err != nil || cur.Status != queue.StatusProcessed {
		slog.Warn("job not marked as processed, keeping recording", slog.String("id", job.ID))
		return
	}

	if err := os.Remove(job.RecordingPath); err != nil {
		slog.Error("failed to delete recording", slog.String("path", job.RecordingPath), slog.String("err", err.Error()))
		return
	}

	slog.Info("recording deleted", slog.String("path", job.RecordingPath))
}
