package srt

import (
	"fmt"
	"io"
	"os"

	"github.com/meetingscribe/transcriber/cmd/transcriber/transcribe"
)

// FormatTimestamp converts ts milliseconds in the 00:00:00,000 format.
func FormatTimestamp(ts int64) string {
	if ts < 0 {
		ts = 0
	}

	h := ts / 3600000
	m := ts / 60000 % 60
	s := ts / 1000 % 60
	ms := ts % 1000

	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// Write composes segments in SubRip format. Entries are re-indexed
// starting from 1.
func Write(w io.Writer, segments []transcribe.Segment) error {
	for i, s := range segments {
		_, err := fmt.Fprintf(w, "%d\n%s --> %s\n%s\n\n", i+1, FormatTimestamp(s.StartTS), FormatTimestamp(s.EndTS), s.Text)
		if err != nil {
			return fmt.Errorf("failed to write: %w", err)
		}
	}
	return nil
}

func WriteFile(path string, segments []transcribe.Segment) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close output file: %w", closeErr)
		}
	}()

	return Write(f, segments)
}
