// Package srt reads and writes SubRip subtitle files.
//
// Parsing is best effort: blocks that cannot be understood are dropped and
// reported as warnings, so that a single corrupt entry does not discard an
// entire transcript.
package srt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/meetingscribe/transcriber/cmd/transcriber/transcribe"
)

const (
	timeRangeSep = "-->"
	// maxLineLen bounds a single line. Longer lines make their block be
	// skipped.
	maxLineLen = 1024 * 1024
	// maxHours keeps the millisecond value of a timestamp within int64.
	maxHours = (math.MaxInt64 - 3_599_999) / 3_600_000
)

var (
	ErrMalformedInput = errors.New("malformed input")
	errNoTimeRange    = errors.New("missing time range")
	errNoText         = errors.New("missing text")
	errLineTooLong    = errors.New("line too long")
)

// Warning describes a block that was skipped while parsing.
type Warning struct {
	// Line is the 1-based line number where the block starts.
	Line int
	Err  error
}

func (w Warning) Error() string {
	return fmt.Sprintf("line %d: %s", w.Line, w.Err)
}

func (w Warning) Unwrap() error {
	return w.Err
}

type block struct {
	line    int
	lines   []string
	tooLong bool
}

// Parse reads subtitle blocks from r. Entries are returned in file order.
// The returned error is only set when r itself cannot be read.
func Parse(r io.Reader) ([]transcribe.Segment, []Warning, error) {
	blocks, err := splitBlocks(r)
	if err != nil {
		return nil, nil, err
	}

	var segments []transcribe.Segment
	var warnings []Warning
	for _, b := range blocks {
		s, err := parseBlock(b)
		if err != nil {
			w := Warning{Line: b.line, Err: err}
			slog.Warn("skipping subtitle block", slog.Int("line", b.line), slog.String("err", err.Error()))
			warnings = append(warnings, w)
			continue
		}
		segments = append(segments, s)
	}

	return segments, warnings, nil
}

// ParseFile opens and parses the subtitle file at path.
func ParseFile(path string) ([]transcribe.Segment, []Warning, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	segments, warnings, err := Parse(f)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return segments, warnings, nil
}

// readLine returns the next line without its line ending. Lines longer
// than maxLineLen are consumed but truncated, with tooLong set.
func readLine(r *bufio.Reader) (string, bool, error) {
	var buf []byte
	var tooLong bool
	for {
		frag, isPrefix, err := r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && (len(buf) > 0 || tooLong) {
				return string(buf), tooLong, nil
			}
			return "", false, err
		}
		if len(buf)+len(frag) > maxLineLen {
			tooLong = true
		} else {
			buf = append(buf, frag...)
		}
		if !isPrefix {
			return string(buf), tooLong, nil
		}
	}
}

func splitBlocks(r io.Reader) ([]block, error) {
	var blocks []block
	var cur *block

	reader := bufio.NewReaderSize(r, 64*1024)
	for n := 1; ; n++ {
		line, tooLong, err := readLine(reader)
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, err
		}
		if n == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		line = strings.TrimRight(line, " \t\r")

		if line == "" && !tooLong {
			if cur != nil {
				blocks = append(blocks, *cur)
				cur = nil
			}
			continue
		}

		if cur == nil {
			cur = &block{line: n}
		}
		if tooLong {
			cur.tooLong = true
			continue
		}
		cur.lines = append(cur.lines, line)
	}

	if cur != nil {
		blocks = append(blocks, *cur)
	}

	return blocks, nil
}

func parseBlock(b block) (transcribe.Segment, error) {
	var s transcribe.Segment
	if b.tooLong {
		return s, errLineTooLong
	}

	lines := b.lines
	// The index line is advisory and may be missing altogether.
	if !strings.Contains(lines[0], timeRangeSep) {
		if idx, err := strconv.Atoi(strings.TrimSpace(lines[0])); err == nil {
			s.Index = idx
		}
		lines = lines[1:]
	}

	if len(lines) == 0 || !strings.Contains(lines[0], timeRangeSep) {
		return s, errNoTimeRange
	}

	start, end, err := parseTimeRange(lines[0])
	if err != nil {
		return s, err
	}
	s.StartTS = start
	s.EndTS = end

	if len(lines) < 2 {
		return s, errNoText
	}
	s.Text = strings.Join(lines[1:], "\n")

	return s, nil
}

func parseTimeRange(line string) (int64, int64, error) {
	startStr, endStr, _ := strings.Cut(line, timeRangeSep)

	// Some writers append cue settings after the end time.
	endFields := strings.Fields(endStr)
	if len(endFields) == 0 {
		return 0, 0, fmt.Errorf("%w: invalid time range %q", ErrMalformedInput, line)
	}

	start, err := ParseTimestamp(strings.TrimSpace(startStr))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid start time: %s", ErrMalformedInput, err)
	}
	end, err := ParseTimestamp(endFields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid end time: %s", ErrMalformedInput, err)
	}

	return start, end, nil
}

// ParseTimestamp converts a HH:MM:SS,mmm timestamp into milliseconds.
// A dot is accepted in place of the comma.
func ParseTimestamp(ts string) (int64, error) {
	clock, frac, ok := strings.Cut(strings.Replace(ts, ".", ",", 1), ",")
	if !ok || frac == "" || len(frac) > 3 {
		return 0, fmt.Errorf("%q: expected HH:MM:SS,mmm", ts)
	}

	parts := strings.Split(clock, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%q: expected HH:MM:SS,mmm", ts)
	}

	h, err := parseUint(parts[0])
	if err != nil || h > maxHours {
		return 0, fmt.Errorf("%q: invalid hours", ts)
	}
	m, err := parseUint(parts[1])
	if err != nil || m > 59 {
		return 0, fmt.Errorf("%q: invalid minutes", ts)
	}
	s, err := parseUint(parts[2])
	if err != nil || s > 59 {
		return 0, fmt.Errorf("%q: invalid seconds", ts)
	}
	ms, err := parseUint(frac)
	if err != nil {
		return 0, fmt.Errorf("%q: invalid milliseconds", ts)
	}
	// "1,5" means 500ms.
	for i := len(frac); i < 3; i++ {
		ms *= 10
	}

	return ((h*60+m)*60+s)*1000 + ms, nil
}

func parseUint(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid digit %q", c)
		}
	}
	return strconv.ParseInt(s, 10, 64)
}
