package transcribe

import (
	"fmt"
	"html"
	"io"
	"os"
	"strconv"
)

type WebVTTOptions struct {
	OmitSpeaker bool `yaml:"omit_speaker"`
}

func (o *WebVTTOptions) IsValid() error {
	return nil
}

func (o *WebVTTOptions) IsEmpty() bool {
	return o == nil || *o == WebVTTOptions{}
}

func (o *WebVTTOptions) SetDefaults() {
	o.OmitSpeaker = false
}

func (o *WebVTTOptions) FromEnv() {
	if val, err := strconv.ParseBool(os.Getenv("WEBVTT_OMIT_SPEAKER")); err == nil {
		o.OmitSpeaker = val
	}
}

// vttTS converts ts milliseconds in the 00:00:00.000 format.
func vttTS(ts int64) string {
	if ts < 0 {
		ts = 0
	}

	sMs := int64(1000)
	mMs := 60 * sMs
	hMs := 60 * mMs

	h := ts / hMs
	m := (ts - (h * hMs)) / mMs
	s := ((ts - (h * hMs)) - m*mMs) / sMs
	ms := ((ts - (h * hMs)) - m*mMs) - s*sMs

	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

func (t Transcription) WebVTT(w io.Writer, opts WebVTTOptions) error {
	_, err := fmt.Fprintf(w, "WEBVTT\n")
	if err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	for _, s := range t.Interleave() {
		s.sanitize(html.EscapeString)

		_, err = fmt.Fprintf(w, "\n%s --> %s\n", vttTS(s.StartTS), vttTS(s.EndTS))
		if err != nil {
			return fmt.Errorf("failed to write: %w", err)
		}
		tmpl := "<v %[1]s>%[2]s\n"
		if opts.OmitSpeaker {
			tmpl = "%[2]s\n"
		}
		_, err = fmt.Fprintf(w, tmpl, s.Speaker, s.Text)
		if err != nil {
			return fmt.Errorf("failed to write: %w", err)
		}
	}

	return nil
}
