package diarize

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
)

// Turn is a contiguous stretch of audio attributed to a single speaker.
type Turn struct {
	StartTS int64
	EndTS   int64
	Speaker string
}

// ParseRTTM reads speaker turns in RTTM format. Only SPEAKER records are
// considered, other record types and comments are ignored.
//
//	SPEAKER <file> <chnl> <tbeg> <tdur> <NA> <NA> <name> <NA> <NA>
func ParseRTTM(r io.Reader) ([]Turn, error) {
	var turns []Turn

	scanner := bufio.NewScanner(r)
	var lineNum int
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if fields[0] != "SPEAKER" {
			continue
		}
		if len(fields) < 8 {
			return nil, fmt.Errorf("line %d: expected at least 8 fields, got %d", lineNum, len(fields))
		}

		start, err := strconv.ParseFloat(fields[3], 64)
		if err != nil || start < 0 {
			return nil, fmt.Errorf("line %d: invalid turn onset %q", lineNum, fields[3])
		}
		dur, err := strconv.ParseFloat(fields[4], 64)
		if err != nil || dur < 0 {
			return nil, fmt.Errorf("line %d: invalid turn duration %q", lineNum, fields[4])
		}

		startTS := int64(math.Round(start * 1000))
		turns = append(turns, Turn{
			StartTS: startTS,
			EndTS:   startTS + int64(math.Round(dur*1000)),
			Speaker: fields[7],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rttm: %w", err)
	}

	slog.Debug("parsed rttm", slog.Int("turns", len(turns)))

	return turns, nil
}

func ParseRTTMFile(path string) ([]Turn, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return ParseRTTM(f)
}
