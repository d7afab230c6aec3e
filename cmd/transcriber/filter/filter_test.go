package filter

import (
	"testing"
	"time"

	"github.com/meetingscribe/transcriber/cmd/transcriber/transcribe"

	"github.com/stretchr/testify/require"
)

func TestIsHallucination(t *testing.T) {
	var opts Options
	opts.SetDefaults()

	prev := &transcribe.Segment{StartTS: 0, EndTS: 1000, Text: "Let's get started."}

	tcs := []struct {
		name     string
		seg      transcribe.Segment
		prev     *transcribe.Segment
		expected bool
	}{
		{
			name:     "thank you",
			seg:      transcribe.Segment{Text: " Thank you. "},
			expected: true,
		},
		{
			name:     "thanks for watching",
			seg:      transcribe.Segment{Text: "Thanks for watching"},
			expected: true,
		},
		{
			name:     "periods",
			seg:      transcribe.Segment{Text: "..."},
			expected: true,
		},
		{
			name:     "empty",
			seg:      transcribe.Segment{Text: "   "},
			expected: true,
		},
		{
			name:     "filler word",
			seg:      transcribe.Segment{Text: "Okay"},
			expected: true,
		},
		{
			name: "regular speech",
			seg:  transcribe.Segment{Text: "Thank you for joining, let's review the roadmap."},
		},
		{
			name:     "isolated short segment after long gap",
			seg:      transcribe.Segment{StartTS: 25000, EndTS: 26000, Text: "Bye now"},
			prev:     prev,
			expected: true,
		},
		{
			name: "short segment after short gap",
			seg:  transcribe.Segment{StartTS: 5000, EndTS: 6000, Text: "Bye now"},
			prev: prev,
		},
		{
			name: "long segment after long gap",
			seg:  transcribe.Segment{StartTS: 25000, EndTS: 26000, Text: "Sorry, I was on mute the whole time"},
			prev: prev,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, IsHallucination(tc.seg, tc.prev, opts))
		})
	}
}

func TestFilter(t *testing.T) {
	segments := []transcribe.Segment{
		{Index: 1, StartTS: 0, EndTS: 2000, Text: "Welcome everyone."},
		{Index: 2, StartTS: 2500, EndTS: 3000, Text: "Thank you."},
		{Index: 3, StartTS: 4000, EndTS: 8000, Text: "First item is the release."},
		{Index: 4, StartTS: 60000, EndTS: 61000, Text: "Hmm right"},
		{Index: 5, StartTS: 62000, EndTS: 65000, Text: "Any questions about the release?"},
	}

	kept, removed := Filter(segments, Options{})
	require.Equal(t, []transcribe.Segment{segments[0], segments[2], segments[4]}, kept)
	require.Equal(t, []transcribe.Segment{segments[1], segments[3]}, removed)
	require.Len(t, segments, 5)

	t.Run("custom gap", func(t *testing.T) {
		kept, removed := Filter(segments, Options{MaxGap: time.Minute})
		require.Len(t, kept, 4)
		require.Len(t, removed, 1)
	})

	t.Run("empty", func(t *testing.T) {
		kept, removed := Filter(nil, Options{})
		require.Empty(t, kept)
		require.Empty(t, removed)
	})
}
