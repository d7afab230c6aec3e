package transcribe

import (
	"fmt"
	"sort"
	"strings"
)

type NamedSegment struct {
	Segment
	Speaker string
}

// clockTS converts ts milliseconds in the 00:00:00 format, truncating
// to the second.
func clockTS(ts int64) string {
	if ts < 0 {
		ts = 0
	}

	sMs := int64(1000)
	mMs := 60 * sMs
	hMs := 60 * mMs

	h := ts / hMs
	m := (ts - (h * hMs)) / mMs
	s := ((ts - (h * hMs)) - m*mMs) / sMs

	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func (s *NamedSegment) sanitize(fns ...func(string) string) {
	s.Text = strings.TrimSpace(s.Text)
	s.Speaker = strings.TrimSpace(s.Speaker)
	for _, fn := range fns {
		s.Text = fn(s.Text)
		s.Speaker = fn(s.Speaker)
	}
}

// sorted returns a copy of the track's segments, labeled and stably
// ordered by start time.
func (t TrackTranscription) sorted() []NamedSegment {
	nss := make([]NamedSegment, 0, len(t.Segments))
	for _, s := range t.Segments {
		nss = append(nss, NamedSegment{
			Segment: s,
			Speaker: t.Speaker,
		})
	}

	sort.SliceStable(nss, func(i, j int) bool {
		return nss[i].StartTS < nss[j].StartTS
	})

	return nss
}

// merge performs a two-pointer merge of two ordered sequences. On equal
// start times entries from a come first.
func merge(a, b []NamedSegment) []NamedSegment {
	if len(a)+len(b) == 0 {
		return nil
	}

	out := make([]NamedSegment, 0, len(a)+len(b))
	var i, j int
	for i < len(a) && j < len(b) {
		if b[j].StartTS < a[i].StartTS {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)

	return out
}

// Interleave merges two tracks into a single chronological sequence.
// Segments from a win ties against segments from b.
func Interleave(a, b TrackTranscription) []NamedSegment {
	return merge(a.sorted(), b.sorted())
}

// Interleave merges all tracks into a single chronological sequence.
// Ties are resolved in favour of the track that appears first.
func (t Transcription) Interleave() []NamedSegment {
	var nss []NamedSegment
	for _, trackTr := range t {
		nss = merge(nss, trackTr.sorted())
	}
	return nss
}
