package process

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/meetingscribe/transcriber/cmd/transcriber/queue"
)

var filenameSanitizationRE = regexp.MustCompile(`[\\:*?\"<>|\n\s/]`)

func sanitizeFilename(name string) string {
	return filenameSanitizationRE.ReplaceAllString(name, "_")
}

// transcriptBaseName returns the name, without extension, of the
// transcript files produced for job.
func transcriptBaseName(job queue.Job) string {
	name := sanitizeFilename(strings.TrimSpace(job.Name))
	if name == "" {
		name = job.ID
	}
	if job.Date == "" {
		return name
	}
	return fmt.Sprintf("%s_%s", sanitizeFilename(job.Date), name)
}
