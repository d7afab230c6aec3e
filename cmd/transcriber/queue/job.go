package queue

import (
	"fmt"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
)

// DateLayout is the layout of Job.Date.
const DateLayout = "20060102_1504"

type Status string

const (
	StatusRecorded   Status = "recorded"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusDiscarded  Status = "discarded"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusRecorded, StatusProcessing, StatusProcessed, StatusDiscarded:
		return true
	default:
		return false
	}
}

var transitions = map[Status][]Status{
	StatusRecorded:   {StatusProcessing, StatusDiscarded},
	StatusProcessing: {StatusProcessed, StatusRecorded},
}

// CanTransition reports whether a job in status s may move to status to.
func (s Status) CanTransition(to Status) bool {
	for _, st := range transitions[s] {
		if st == to {
			return true
		}
	}
	return false
}

// Job is a recorded meeting waiting for, or done with, processing.
type Job struct {
	ID            string
	RecordingPath string
	Name          string
	Date          string
	Status        Status
	Attendees     []string
	// Transcript is the path of the main transcript file once processed.
	Transcript string
	// Error holds the reason of the last failed processing attempt.
	Error     string
	UpdatedAt time.Time
}

func (j Job) IsValid() error {
	if !model.IsValidId(j.ID) {
		return fmt.Errorf("invalid ID %q", j.ID)
	}
	if j.RecordingPath == "" {
		return fmt.Errorf("RecordingPath cannot be empty")
	}
	if j.Name == "" {
		return fmt.Errorf("Name cannot be empty")
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("invalid status %q", j.Status)
	}
	return nil
}

// Time parses Date. It returns the zero time if Date is malformed.
func (j Job) Time() time.Time {
	t, err := time.ParseInLocation(DateLayout, j.Date, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}
