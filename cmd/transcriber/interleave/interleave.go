// Package interleave merges per-channel subtitle files into a single
// chronological transcript.
package interleave

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/meetingscribe/transcriber/cmd/transcriber/srt"
	"github.com/meetingscribe/transcriber/cmd/transcriber/transcribe"
)

var (
	ErrMissingInputFile    = errors.New("missing input file")
	ErrUnreadableInputFile = errors.New("unreadable input file")
)

type Format string

const (
	FormatText   Format = "txt"
	FormatWebVTT Format = "vtt"
)

func (f Format) IsValid() bool {
	switch f {
	case FormatText, FormatWebVTT:
		return true
	default:
		return false
	}
}

// Input is a subtitle file holding a single channel.
type Input struct {
	Path  string
	Label string
}

type Options struct {
	Format Format
	Text   transcribe.TextOptions
	WebVTT transcribe.WebVTTOptions
}

type Result struct {
	// Lines is the number of merged segments.
	Lines    int
	Warnings []srt.Warning
}

// Load parses every input into a track. Inputs are given priority in the
// order they are passed. A missing or unreadable input fails the whole
// call.
func Load(inputs []Input) (transcribe.Transcription, []srt.Warning, error) {
	tr := make(transcribe.Transcription, 0, len(inputs))
	var warnings []srt.Warning
	for _, in := range inputs {
		segments, ws, err := parseInput(in.Path)
		if err != nil {
			return nil, nil, err
		}
		if len(ws) > 0 {
			slog.Warn("skipped malformed blocks", slog.String("path", in.Path), slog.Int("count", len(ws)))
		}
		warnings = append(warnings, ws...)
		tr = append(tr, transcribe.TrackTranscription{
			Speaker:  in.Label,
			Segments: segments,
		})
	}
	return tr, warnings, nil
}

// parseInput fails with ErrMissingInputFile if path cannot be opened and
// with ErrUnreadableInputFile if reading it fails midway.
func parseInput(path string) ([]transcribe.Segment, []srt.Warning, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w %q: %s", ErrMissingInputFile, path, err)
	}
	defer f.Close()

	segments, warnings, err := srt.Parse(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%w %q: %s", ErrUnreadableInputFile, path, err)
	}

	return segments, warnings, nil
}

// Render writes tr to w in the requested format.
func Render(w io.Writer, tr transcribe.Transcription, opts Options) error {
	switch opts.Format {
	case FormatText, "":
		return tr.Text(w, opts.Text)
	case FormatWebVTT:
		return tr.WebVTT(w, opts.WebVTT)
	default:
		return fmt.Errorf("output format %q not implemented", opts.Format)
	}
}

// Merge loads inputs and writes the merged transcript to w. Nothing is
// written if any input cannot be read.
func Merge(inputs []Input, w io.Writer, opts Options) (*Result, error) {
	tr, warnings, err := Load(inputs)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := Render(&buf, tr, opts); err != nil {
		return nil, fmt.Errorf("failed to render transcript: %w", err)
	}

	if _, err := buf.WriteTo(w); err != nil {
		return nil, fmt.Errorf("failed to write transcript: %w", err)
	}

	return &Result{
		Lines:    len(tr.Interleave()),
		Warnings: warnings,
	}, nil
}

// MergeFiles merges inputs into the file at dst. The destination is only
// created once every input has been read and the transcript rendered.
func MergeFiles(inputs []Input, dst string, opts Options) (*Result, error) {
	var buf bytes.Buffer
	res, err := Merge(inputs, &buf, opts)
	if err != nil {
		return nil, err
	}

	if err := writeFileAtomic(dst, buf.Bytes()); err != nil {
		return nil, err
	}

	slog.Debug("transcript written", slog.String("path", dst), slog.Int("lines", res.Lines))

	return res, nil
}

// RenderFile writes tr to the file at dst in the requested format. The
// file is replaced in a single step so readers never see partial output.
func RenderFile(tr transcribe.Transcription, dst string, opts Options) error {
	var buf bytes.Buffer
	if err := Render(&buf, tr, opts); err != nil {
		return fmt.Errorf("failed to render transcript: %w", err)
	}
	return writeFileAtomic(dst, buf.Bytes())
}

func writeFileAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write output file: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set output file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to move output file: %w", err)
	}

	return nil
}
