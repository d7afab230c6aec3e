package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/meetingscribe/transcriber/cmd/transcriber/config"
	"github.com/meetingscribe/transcriber/cmd/transcriber/executor"
	"github.com/meetingscribe/transcriber/cmd/transcriber/metrics"
	"github.com/meetingscribe/transcriber/cmd/transcriber/process"
	"github.com/meetingscribe/transcriber/cmd/transcriber/queue"
	"github.com/meetingscribe/transcriber/cmd/transcriber/recorder"
	"github.com/meetingscribe/transcriber/cmd/transcriber/whisper"
)

const (
	workDirName = "work"
	// Time OBS needs to finalize a recording it did not report the path of.
	finalizeDelay = 3 * time.Second
)

type Globals struct {
	Config    string `short:"c" env:"TRANSCRIBER_CONFIG" help:"Path to a YAML config file."`
	LogLevel  string `env:"LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Log level (${enum})."`
	LogFormat string `env:"LOG_FORMAT" default:"text" enum:"text,json" help:"Log format (${enum})."`
}

type CLI struct {
	Globals `embed:""`

	Merge   MergeCmd   `cmd:"" help:"Merge two SRT transcripts into a single speaker-labeled transcript."`
	Filter  FilterCmd  `cmd:"" help:"Remove hallucinated segments from an SRT transcript."`
	Diarize DiarizeCmd `cmd:"" help:"Label SRT segments with speakers from an RTTM file."`
	Process ProcessCmd `cmd:"" help:"Transcribe queued recordings."`
	Serve   ServeCmd   `cmd:"" help:"Run the web UI and API."`
	Record  RecordCmd  `cmd:"" help:"Control meeting recording."`
	Queue   QueueCmd   `cmd:"" help:"Inspect and manage the processing queue."`
}

type runContext struct {
	ctx     context.Context
	globals *Globals
	cfg     *config.Config
}

// config loads and validates the configuration once per run.
func (r *runContext) config() (config.Config, error) {
	if r.cfg != nil {
		return *r.cfg, nil
	}

	cfg, err := config.Load(r.globals.Config)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.IsValid(); err != nil {
		return cfg, fmt.Errorf("failed to validate config: %w", err)
	}

	r.cfg = &cfg

	return cfg, nil
}

func (r *runContext) store() (*queue.Store, error) {
	cfg, err := r.config()
	if err != nil {
		return nil, err
	}
	return queue.NewStore(cfg.Paths.QueueFile)
}

func newWhisperConfig(cfg config.Config) whisper.Config {
	wcfg := whisper.Config{
		BinPath:    cfg.Transcribe.WhisperBin,
		ModelFile:  cfg.Transcribe.ModelFile(cfg.Transcribe.ModelSize),
		NumThreads: cfg.Transcribe.NumThreads,
		Language:   cfg.Transcribe.Language,
		Retries:    cfg.Transcribe.Retries,
	}

	if cfg.Transcribe.FallbackModelSize != cfg.Transcribe.ModelSize {
		fallback := cfg.Transcribe.ModelFile(cfg.Transcribe.FallbackModelSize)
		if _, err := os.Stat(fallback); err == nil {
			wcfg.FallbackModelFile = fallback
		} else {
			slog.Warn("fallback model not available", slog.String("path", fallback))
		}
	}

	return wcfg
}

func (r *runContext) processor(store *queue.Store, m *metrics.Metrics) (*process.Processor, error) {
	cfg, err := r.config()
	if err != nil {
		return nil, err
	}

	exec := executor.New()
	runner, err := whisper.NewRunner(newWhisperConfig(cfg), exec)
	if err != nil {
		return nil, fmt.Errorf("failed to create whisper runner: %w", err)
	}

	return process.NewProcessor(process.Config{
		FFmpegBin:        cfg.Transcribe.FFmpegBin,
		OutputDir:        cfg.Paths.OutputDir,
		WorkDir:          filepath.Join(cfg.Paths.DataDir, workDirName),
		Formats:          cfg.Output.Formats,
		Text:             cfg.Output.Text,
		WebVTT:           cfg.Output.WebVTT,
		SelfLabel:        cfg.Labels.Self,
		OthersLabel:      cfg.Labels.Others,
		DiarizeCmd:       cfg.Transcribe.DiarizeCmd,
		DeleteRecordings: cfg.Output.DeleteRecordings,
		Filter:           cfg.Output.Filter,
		StaleAfter:       cfg.Transcribe.StaleAfter,
	}, store, exec, runner, m)
}

func (r *runContext) controller(store *queue.Store, m *metrics.Metrics) (*recorder.Controller, error) {
	cfg, err := r.config()
	if err != nil {
		return nil, err
	}

	lock, err := recorder.NewPendingLock(cfg.Paths.PendingFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending lock: %w", err)
	}

	return recorder.NewController(recorder.ControllerConfig{
		RecordingPath: cfg.Paths.RecordingPath,
		RecordingExt:  cfg.Paths.RecordingExt,
		FinalizeDelay: finalizeDelay,
	}, recorder.NewOBSClient(cfg.Recorder.URL(), cfg.Recorder.OBSPassword), lock, store, m)
}
