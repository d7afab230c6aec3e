package transcribe

// Segment is a single timed entry of a transcript. Timestamps are in
// milliseconds relative to the start of the recording.
type Segment struct {
	// Index is advisory, as found in the source file.
	Index   int
	Text    string
	StartTS int64
	EndTS   int64
}

type TrackTranscription struct {
	Speaker  string
	Segments []Segment
}

// Transcription is an ordered set of tracks. The position of a track
// determines its priority when two segments start at the same time.
type Transcription []TrackTranscription
