package transcribe

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
)

type TextCompactOptions struct {
	SilenceThresholdMs   int `yaml:"silence_threshold_ms"`
	MaxSegmentDurationMs int `yaml:"max_segment_duration_ms"`
}

func (o *TextCompactOptions) SetDefaults() {
	o.SilenceThresholdMs = 2000
	o.MaxSegmentDurationMs = 10000
}

func (o *TextCompactOptions) IsEmpty() bool {
	return o == nil || *o == TextCompactOptions{}
}

// TextOptions controls the plain text output. Compaction is disabled
// unless CompactOptions is set, so that every segment maps to exactly
// one output line by default.
type TextOptions struct {
	CompactOptions TextCompactOptions `yaml:"compact"`
}

func (o *TextOptions) IsValid() error {
	if o.CompactOptions.IsEmpty() {
		return nil
	}

	if o.CompactOptions.SilenceThresholdMs <= 0 {
		return fmt.Errorf("SilenceThresholdMs should be a positive number")
	}

	if o.CompactOptions.MaxSegmentDurationMs <= 0 {
		return fmt.Errorf("MaxSegmentDurationMs should be a positive number")
	}

	return nil
}

func (o *TextOptions) IsEmpty() bool {
	return o.CompactOptions.IsEmpty()
}

func (o *TextOptions) FromEnv() {
	if val, err := strconv.ParseBool(os.Getenv("TEXT_COMPACT")); err == nil && val && o.CompactOptions.IsEmpty() {
		o.CompactOptions.SetDefaults()
	}
	if val, err := strconv.Atoi(os.Getenv("TEXT_COMPACT_SILENCE_THRESHOLD_MS")); err == nil {
		o.CompactOptions.SilenceThresholdMs = val
	}
	if val, err := strconv.Atoi(os.Getenv("TEXT_COMPACT_MAX_SEGMENT_DURATION_MS")); err == nil {
		o.CompactOptions.MaxSegmentDurationMs = val
	}
}

func compactSegments(segments []NamedSegment, opts TextCompactOptions) []NamedSegment {
	if len(segments) < 2 {
		return segments
	}

	out := []NamedSegment{segments[0]}

	for i := 1; i < len(segments); i++ {
		currSeg := segments[i]
		prevSeg := segments[i-1]

		// We join the segments if:
		// - The speaker hasn't changed. This is required to guarantee order (e.g. question/answer sequences).
		// - There's less than silenceThresholdMs of pause between the end of a previous text segment and the start of the next one.
		// - The overall (running) duration of the joined segments is less than maxDurationMs seconds.
		if currSeg.Speaker == prevSeg.Speaker &&
			int(currSeg.StartTS-prevSeg.EndTS) < opts.SilenceThresholdMs &&
			int(currSeg.StartTS-out[len(out)-1].StartTS) < opts.MaxSegmentDurationMs {

			slog.Debug(fmt.Sprintf("%d and %d can be joined", i-1, i))
			out[len(out)-1].Text += " " + currSeg.Text
			out[len(out)-1].EndTS = currSeg.EndTS
		} else {
			out = append(out, currSeg)
		}
	}

	slog.Debug("compact done", slog.Int("inLen", len(segments)), slog.Int("outLen", len(out)))

	return out
}

// Text renders the interleaved transcription as one "[HH:MM:SS] Speaker: text"
// block per segment, blocks separated by a blank line.
func (t Transcription) Text(w io.Writer, opts TextOptions) error {
	segments := t.Interleave()

	if !opts.CompactOptions.IsEmpty() {
		segments = compactSegments(segments, opts.CompactOptions)
	}

	for i, s := range segments {
		nl := "\n"
		if i == 0 {
			nl = ""
		}
		_, err := fmt.Fprintf(w, "%s[%s] %s: %s\n", nl, clockTS(s.StartTS), s.Speaker, s.Text)
		if err != nil {
			return fmt.Errorf("failed to write: %w", err)
		}
	}

	return nil
}
