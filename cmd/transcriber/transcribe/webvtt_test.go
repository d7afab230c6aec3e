package transcribe

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWebVTT(t *testing.T) {
	tr := Transcription{
		{
			Speaker:  "Me",
			Segments: []Segment{{StartTS: 1000, EndTS: 3250, Text: "Hello <all>"}},
		},
		{
			Speaker:  "Others",
			Segments: []Segment{{StartTS: 2000, EndTS: 4000, Text: " Hi there "}},
		},
	}

	t.Run("with speaker", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, tr.WebVTT(&buf, WebVTTOptions{}))
		require.Equal(t, `WEBVTT

00:00:01.000 --> 00:00:03.250
<v Me>Hello &lt;all&gt;

00:00:02.000 --> 00:00:04.000
<v Others>Hi there
`, buf.String())
	})

	t.Run("omit speaker", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, tr.WebVTT(&buf, WebVTTOptions{OmitSpeaker: true}))
		require.Equal(t, `WEBVTT

00:00:01.000 --> 00:00:03.250
Hello &lt;all&gt;

00:00:02.000 --> 00:00:04.000
Hi there
`, buf.String())
	})

	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Transcription{}.WebVTT(&buf, WebVTTOptions{}))
		require.Equal(t, "WEBVTT\n", buf.String())
	})
}
