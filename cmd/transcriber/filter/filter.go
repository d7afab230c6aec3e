// Package filter drops segments that speech recognition commonly
// hallucinates over silence, such as a lone "Thank you." at the end of
// a recording.
package filter

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/meetingscribe/transcriber/cmd/transcriber/transcribe"
)

var hallucinationREs = []*regexp.Regexp{
	regexp.MustCompile(`^thank you\.?$`),
	regexp.MustCompile(`^thanks\.?$`),
	regexp.MustCompile(`^thank you very much\.?$`),
	regexp.MustCompile(`^thanks for watching\.?$`),
	regexp.MustCompile(`^don't forget to like and subscribe\.?$`),
	regexp.MustCompile(`^subscribe\.?$`),
	regexp.MustCompile(`^like and subscribe\.?$`),
	regexp.MustCompile(`^\.+$`),
	regexp.MustCompile(`^$`),
}

var fillerWords = map[string]bool{
	"thank you": true,
	"thanks":    true,
	"yes":       true,
	"no":        true,
	"okay":      true,
	"ok":        true,
}

type Options struct {
	// MaxGap is the silence after which a short isolated segment is
	// considered a hallucination.
	MaxGap time.Duration `yaml:"max_gap"`
	// MaxWords is the word count at or below which a segment is
	// considered short.
	MaxWords int `yaml:"max_words"`
}

func (o *Options) SetDefaults() {
	if o.MaxGap == 0 {
		o.MaxGap = 20 * time.Second
	}
	if o.MaxWords == 0 {
		o.MaxWords = 2
	}
}

func (o Options) IsValid() error {
	if o.MaxGap < 0 {
		return fmt.Errorf("MaxGap cannot be negative")
	}
	if o.MaxWords < 0 {
		return fmt.Errorf("MaxWords cannot be negative")
	}
	return nil
}

// IsHallucination reports whether s is likely not real speech. prev is
// the last segment that was kept, if any.
func IsHallucination(s transcribe.Segment, prev *transcribe.Segment, opts Options) bool {
	text := strings.ToLower(strings.TrimSpace(s.Text))

	for _, re := range hallucinationREs {
		if re.MatchString(text) {
			return true
		}
	}

	if prev != nil {
		gap := time.Duration(s.StartTS-prev.EndTS) * time.Millisecond
		if gap > opts.MaxGap && len(strings.Fields(text)) <= opts.MaxWords {
			return true
		}
	}

	return fillerWords[text]
}

// Filter splits segments into the ones to keep and the ones that were
// detected as hallucinations. The input is not modified.
func Filter(segments []transcribe.Segment, opts Options) (kept, removed []transcribe.Segment) {
	opts.SetDefaults()

	var prev *transcribe.Segment
	for _, s := range segments {
		if IsHallucination(s, prev, opts) {
			slog.Debug("removed hallucination", slog.String("text", strings.TrimSpace(s.Text)), slog.Int64("startTS", s.StartTS))
			removed = append(removed, s)
			continue
		}
		kept = append(kept, s)
		last := s
		prev = &last
	}

	slog.Debug("filter done", slog.Int("inLen", len(segments)), slog.Int("outLen", len(kept)))

	return kept, removed
}
