package transcribe

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestText(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		err := Transcription{{Speaker: "Me"}, {Speaker: "Others"}}.Text(&buf, TextOptions{})
		require.NoError(t, err)
		require.Empty(t, buf.String())
	})

	t.Run("basic", func(t *testing.T) {
		tr := Transcription{
			{
				Speaker:  "Me",
				Segments: []Segment{{StartTS: 1000, EndTS: 3000, Text: "Hello"}},
			},
			{
				Speaker:  "Others",
				Segments: []Segment{{StartTS: 2000, EndTS: 4000, Text: "Hi there"}},
			},
		}

		var buf bytes.Buffer
		require.NoError(t, tr.Text(&buf, TextOptions{}))
		require.Equal(t, "[00:00:01] Me: Hello\n\n[00:00:02] Others: Hi there\n", buf.String())
	})

	t.Run("multi line text", func(t *testing.T) {
		tr := Transcription{
			{
				Speaker:  "Others",
				Segments: []Segment{{StartTS: 3723500, EndTS: 3725000, Text: "first line\nsecond line"}},
			},
		}

		var buf bytes.Buffer
		require.NoError(t, tr.Text(&buf, TextOptions{}))
		require.Equal(t, "[01:02:03] Others: first line\nsecond line\n", buf.String())
	})

	t.Run("ties", func(t *testing.T) {
		tr := Transcription{
			{
				Speaker:  "Me",
				Segments: []Segment{{StartTS: 5000, EndTS: 6000, Text: "A"}},
			},
			{
				Speaker:  "Others",
				Segments: []Segment{{StartTS: 5000, EndTS: 6000, Text: "B"}},
			},
		}

		var buf bytes.Buffer
		require.NoError(t, tr.Text(&buf, TextOptions{}))
		require.Equal(t, "[00:00:05] Me: A\n\n[00:00:05] Others: B\n", buf.String())
	})

	t.Run("compact", func(t *testing.T) {
		tr := Transcription{
			{
				Speaker: "Me",
				Segments: []Segment{
					{StartTS: 0, EndTS: 1000, Text: "one"},
					{StartTS: 1500, EndTS: 2000, Text: "two"},
					{StartTS: 9000, EndTS: 9500, Text: "three"},
				},
			},
		}

		var opts TextOptions
		opts.CompactOptions.SetDefaults()
		require.NoError(t, opts.IsValid())

		var buf bytes.Buffer
		require.NoError(t, tr.Text(&buf, opts))
		require.Equal(t, "[00:00:00] Me: one two\n\n[00:00:09] Me: three\n", buf.String())
	})
}

func TestCompactSegments(t *testing.T) {
	opts := TextCompactOptions{
		SilenceThresholdMs:   1000,
		MaxSegmentDurationMs: 3000,
	}

	tcs := []struct {
		name     string
		input    []NamedSegment
		expected []NamedSegment
	}{
		{
			name: "empty",
		},
		{
			name: "speaker change",
			input: []NamedSegment{
				{Speaker: "Me", Segment: Segment{StartTS: 0, EndTS: 500, Text: "a"}},
				{Speaker: "Others", Segment: Segment{StartTS: 600, EndTS: 900, Text: "b"}},
			},
			expected: []NamedSegment{
				{Speaker: "Me", Segment: Segment{StartTS: 0, EndTS: 500, Text: "a"}},
				{Speaker: "Others", Segment: Segment{StartTS: 600, EndTS: 900, Text: "b"}},
			},
		},
		{
			name: "max duration",
			input: []NamedSegment{
				{Speaker: "Me", Segment: Segment{StartTS: 0, EndTS: 1000, Text: "a"}},
				{Speaker: "Me", Segment: Segment{StartTS: 1500, EndTS: 2500, Text: "b"}},
				{Speaker: "Me", Segment: Segment{StartTS: 3000, EndTS: 3500, Text: "c"}},
			},
			expected: []NamedSegment{
				{Speaker: "Me", Segment: Segment{StartTS: 0, EndTS: 2500, Text: "a b"}},
				{Speaker: "Me", Segment: Segment{StartTS: 3000, EndTS: 3500, Text: "c"}},
			},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, compactSegments(tc.input, opts))
		})
	}
}

func TestTextOptions(t *testing.T) {
	t.Run("disabled by default", func(t *testing.T) {
		var opts TextOptions
		require.True(t, opts.IsEmpty())
		require.NoError(t, opts.IsValid())
	})

	t.Run("invalid", func(t *testing.T) {
		opts := TextOptions{CompactOptions: TextCompactOptions{SilenceThresholdMs: 100}}
		require.EqualError(t, opts.IsValid(), "MaxSegmentDurationMs should be a positive number")

		opts = TextOptions{CompactOptions: TextCompactOptions{MaxSegmentDurationMs: 100}}
		require.EqualError(t, opts.IsValid(), "SilenceThresholdMs should be a positive number")
	})

	t.Run("from env", func(t *testing.T) {
		os.Setenv("TEXT_COMPACT", "true")
		defer os.Unsetenv("TEXT_COMPACT")
		os.Setenv("TEXT_COMPACT_SILENCE_THRESHOLD_MS", "500")
		defer os.Unsetenv("TEXT_COMPACT_SILENCE_THRESHOLD_MS")

		var opts TextOptions
		opts.FromEnv()
		require.Equal(t, TextCompactOptions{
			SilenceThresholdMs:   500,
			MaxSegmentDurationMs: 10000,
		}, opts.CompactOptions)
	})
}
