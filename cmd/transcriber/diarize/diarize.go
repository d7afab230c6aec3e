// Package diarize attributes transcribed segments to individual speakers
// using the turns produced by an external diarization tool.
package diarize

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/meetingscribe/transcriber/cmd/transcriber/transcribe"
)

func overlap(s transcribe.Segment, t Turn) int64 {
	return max(0, min(s.EndTS, t.EndTS)-max(s.StartTS, t.StartTS))
}

// Assign returns, for each segment, the speaker of the turn overlapping it
// the most. Segments that no turn overlaps get an empty speaker.
func Assign(segments []transcribe.Segment, turns []Turn) []string {
	speakers := make([]string, len(segments))
	for i, s := range segments {
		var best int64
		for _, t := range turns {
			if o := overlap(s, t); o > best {
				best = o
				speakers[i] = t.Speaker
			}
		}
	}
	return speakers
}

// SpeakerLabel turns a diarization label such as SPEAKER_00 into a
// human friendly one (Speaker 1). Labels without a numeric suffix are
// returned unchanged.
func SpeakerLabel(speaker string) string {
	idx := strings.LastIndex(speaker, "_")
	if idx < 0 {
		return speaker
	}
	n, err := strconv.Atoi(speaker[idx+1:])
	if err != nil || n < 0 {
		return speaker
	}
	return fmt.Sprintf("Speaker %d", n+1)
}

// Label returns a copy of segments with the assigned speaker prepended
// to the text.
func Label(segments []transcribe.Segment, turns []Turn) []transcribe.Segment {
	speakers := Assign(segments, turns)
	out := make([]transcribe.Segment, len(segments))
	for i, s := range segments {
		if speakers[i] != "" {
			s.Text = fmt.Sprintf("[%s] %s", SpeakerLabel(speakers[i]), s.Text)
		}
		out[i] = s
	}
	return out
}

// Split breaks a single track into one track per detected speaker.
// Segments that could not be attributed stay in a track carrying the
// original speaker name, which always comes first. Speaker tracks follow
// in order of first appearance.
func Split(track transcribe.TrackTranscription, turns []Turn) transcribe.Transcription {
	speakers := Assign(track.Segments, turns)

	byLabel := map[string]int{}
	var tr transcribe.Transcription

	var unassigned []transcribe.Segment
	for i, s := range track.Segments {
		if speakers[i] == "" {
			unassigned = append(unassigned, s)
			continue
		}
		label := SpeakerLabel(speakers[i])
		idx, ok := byLabel[label]
		if !ok {
			idx = len(tr)
			byLabel[label] = idx
			tr = append(tr, transcribe.TrackTranscription{Speaker: label})
		}
		tr[idx].Segments = append(tr[idx].Segments, s)
	}

	if len(unassigned) > 0 {
		tr = append(transcribe.Transcription{{
			Speaker:  track.Speaker,
			Segments: unassigned,
		}}, tr...)
	}

	return tr
}
