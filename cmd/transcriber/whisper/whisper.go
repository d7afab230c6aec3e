package whisper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/meetingscribe/transcriber/cmd/transcriber/executor"

	"github.com/go-audio/wav"
)

const (
	sampleRate = 16000
	// Tracks shorter than this are not worth sending to the model.
	minAudioDuration = 500 * time.Millisecond
)

var ErrInvalidAudio = errors.New("invalid audio file")

type Config struct {
	// The path to the whisper.cpp CLI binary.
	BinPath string
	// The path to the GGML model file to use.
	ModelFile string
	// The model to use once all attempts with ModelFile have failed.
	// Optional.
	FallbackModelFile string
	// The number of system threads to use to perform the transcription.
	NumThreads int
	// Language to use (defaults to autodetection).
	Language string
	// Number of attempts with the main model.
	Retries int
	// Pause between attempts.
	RetryDelay time.Duration
}

func (c Config) IsValid() error {
	if c == (Config{}) {
		return fmt.Errorf("invalid empty config")
	}

	if c.BinPath == "" {
		return fmt.Errorf("invalid BinPath: should not be empty")
	}

	if c.ModelFile == "" {
		return fmt.Errorf("invalid ModelFile: should not be empty")
	}

	if _, err := os.Stat(c.ModelFile); err != nil {
		return fmt.Errorf("invalid ModelFile: failed to stat model file: %w", err)
	}

	if c.FallbackModelFile != "" {
		if _, err := os.Stat(c.FallbackModelFile); err != nil {
			return fmt.Errorf("invalid FallbackModelFile: failed to stat model file: %w", err)
		}
	}

	if numCPU := runtime.NumCPU(); c.NumThreads < 1 || c.NumThreads > numCPU {
		return fmt.Errorf("invalid NumThreads: should be in the range [1, %d]", numCPU)
	}

	if c.Retries < 1 {
		return fmt.Errorf("invalid Retries: should be at least 1")
	}

	return nil
}

type AudioInfo struct {
	SampleRate int
	NumChans   int
	BitDepth   int
	Duration   time.Duration
}

// Probe reads the header of a WAV file.
func Probe(path string) (AudioInfo, error) {
	var info AudioInfo

	f, err := os.Open(path)
	if err != nil {
		return info, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return info, fmt.Errorf("%w: %s", ErrInvalidAudio, path)
	}

	info.SampleRate = int(dec.SampleRate)
	info.NumChans = int(dec.NumChans)
	info.BitDepth = int(dec.BitDepth)

	info.Duration, err = dec.Duration()
	if err != nil {
		return info, fmt.Errorf("failed to get audio duration: %w", err)
	}

	return info, nil
}

type Runner struct {
	cfg  Config
	exec executor.Executor
}

func NewRunner(cfg Config, exec executor.Executor) (*Runner, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if exec == nil {
		return nil, fmt.Errorf("invalid nil executor")
	}

	return &Runner{
		cfg:  cfg,
		exec: exec,
	}, nil
}

func (r *Runner) args(modelFile, audioPath, outBase string) []string {
	args := []string{
		"-m", modelFile,
		"-t", fmt.Sprintf("%d", r.cfg.NumThreads),
		"-osrt",
		"-of", outBase,
		"-f", audioPath,
	}
	if r.cfg.Language != "" {
		args = append(args, "-l", r.cfg.Language)
	}
	return args
}

func (r *Runner) run(ctx context.Context, modelFile, audioPath, outBase string) error {
	if _, err := r.exec.Execute(ctx, r.cfg.BinPath, r.args(modelFile, audioPath, outBase)...); err != nil {
		return err
	}
	if _, err := os.Stat(outBase + ".srt"); err != nil {
		return fmt.Errorf("missing output file: %w", err)
	}
	return nil
}

// Transcribe converts speech in audioPath, a 16kHz WAV file, into an SRT
// file placed in outDir. It returns the path of the SRT file.
func (r *Runner) Transcribe(ctx context.Context, audioPath, outDir string) (string, error) {
	info, err := Probe(audioPath)
	if err != nil {
		return "", err
	}
	if info.SampleRate != sampleRate {
		return "", fmt.Errorf("%w: unsupported sample rate %d", ErrInvalidAudio, info.SampleRate)
	}

	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	outBase := filepath.Join(outDir, base)
	srtPath := outBase + ".srt"

	if info.Duration < minAudioDuration {
		slog.Info("audio track is empty, skipping transcription",
			slog.String("path", audioPath), slog.Duration("dur", info.Duration))
		if err := os.WriteFile(srtPath, nil, 0600); err != nil {
			return "", fmt.Errorf("failed to write empty transcription: %w", err)
		}
		return srtPath, nil
	}

	start := time.Now()
	for i := 0; i < r.cfg.Retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(r.cfg.RetryDelay):
			}
		}

		err = r.run(ctx, r.cfg.ModelFile, audioPath, outBase)
		if err == nil {
			slog.Info("transcription done",
				slog.String("path", audioPath),
				slog.Duration("audioDur", info.Duration),
				slog.Duration("dur", time.Since(start)))
			return srtPath, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		slog.Warn("transcription attempt failed",
			slog.String("path", audioPath),
			slog.Int("attempt", i+1),
			slog.String("err", err.Error()))
	}

	if r.cfg.FallbackModelFile == "" || r.cfg.FallbackModelFile == r.cfg.ModelFile {
		return "", fmt.Errorf("failed to transcribe %s: %w", audioPath, err)
	}

	slog.Info("retrying with fallback model", slog.String("model", r.cfg.FallbackModelFile))
	if err := r.run(ctx, r.cfg.FallbackModelFile, audioPath, outBase); err != nil {
		return "", fmt.Errorf("failed to transcribe %s with fallback model: %w", audioPath, err)
	}

	return srtPath, nil
}
