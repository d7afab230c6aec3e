package queue

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/mattermost/mattermost/server/public/model"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrStatusConflict    = errors.New("job status conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
)

const (
	separator         = ';'
	attendeeSeparator = "|"
)

// Columns, in file order. The first five match the format written by
// earlier versions so that existing queue files keep working.
const (
	colPath = iota
	colName
	colDate
	colStatus
	colAttendees
	colID
	colTranscript
	colUpdatedAt
	colError
	numCols
)

const minCols = colStatus + 1

// Store is a line oriented queue file shared between processes.
type Store struct {
	path  string
	flock *flock.Flock
	mut   sync.Mutex
}

func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("invalid empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	return &Store{
		path:  path,
		flock: flock.New(path + ".lock"),
	}, nil
}

func (s *Store) Path() string {
	return s.path
}

// withLock runs fn with exclusive access to the freshly loaded jobs. If fn
// returns save true the jobs are written back.
func (s *Store) withLock(fn func(jobs []Job) ([]Job, bool, error)) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if err := s.flock.Lock(); err != nil {
		return fmt.Errorf("failed to lock queue: %w", err)
	}
	defer func() {
		if err := s.flock.Unlock(); err != nil {
			slog.Error("failed to unlock queue", slog.String("err", err.Error()))
		}
	}()

	jobs, dirty, err := s.load()
	if err != nil {
		return err
	}

	jobs, save, err := fn(jobs)
	if err != nil {
		return err
	}

	if save || dirty {
		return s.save(jobs)
	}

	return nil
}

func (s *Store) Add(job Job) (Job, error) {
	if job.ID == "" {
		job.ID = model.NewId()
	}
	if job.Status == "" {
		job.Status = StatusRecorded
	}
	if job.Date == "" {
		job.Date = time.Now().Format(DateLayout)
	}
	job.UpdatedAt = time.Now().UTC().Truncate(time.Second)

	if err := job.IsValid(); err != nil {
		return Job{}, fmt.Errorf("failed to validate job: %w", err)
	}

	err := s.withLock(func(jobs []Job) ([]Job, bool, error) {
		for _, j := range jobs {
			if j.ID == job.ID {
				return nil, false, fmt.Errorf("job %q already exists", job.ID)
			}
		}
		return append(jobs, job), true, nil
	})
	if err != nil {
		return Job{}, err
	}

	slog.Debug("job added", slog.String("id", job.ID), slog.String("name", job.Name))

	return job, nil
}

func (s *Store) Get(id string) (Job, error) {
	var job Job
	err := s.withLock(func(jobs []Job) ([]Job, bool, error) {
		for _, j := range jobs {
			if j.ID == id {
				job = j
				return jobs, false, nil
			}
		}
		return jobs, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	})
	return job, err
}

// List returns all jobs, newest first.
func (s *Store) List() ([]Job, error) {
	var out []Job
	err := s.withLock(func(jobs []Job) ([]Job, bool, error) {
		out = make([]Job, len(jobs))
		copy(out, jobs)
		return jobs, false, nil
	})
	if err != nil {
		return nil, err
	}

	// Reversing first keeps the most recently added job on top among
	// equal dates.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date > out[j].Date
	})

	return out, nil
}

// Next returns the oldest job with the given status.
func (s *Store) Next(status Status) (Job, error) {
	var next *Job
	err := s.withLock(func(jobs []Job) ([]Job, bool, error) {
		for i := range jobs {
			if jobs[i].Status != status {
				continue
			}
			if next == nil || jobs[i].Date < next.Date {
				j := jobs[i]
				next = &j
			}
		}
		return jobs, false, nil
	})
	if err != nil {
		return Job{}, err
	}
	if next == nil {
		return Job{}, fmt.Errorf("%w: no %s job", ErrNotFound, status)
	}
	return *next, nil
}

// Transition moves the job from status from to status to, applying mutate
// to it in the same locked section. It fails with ErrStatusConflict if the
// job is no longer in status from.
func (s *Store) Transition(id string, from, to Status, mutate func(j *Job)) (Job, error) {
	if !from.CanTransition(to) {
		return Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	var job Job
	err := s.withLock(func(jobs []Job) ([]Job, bool, error) {
		for i := range jobs {
			if jobs[i].ID != id {
				continue
			}
			if jobs[i].Status != from {
				return nil, false, fmt.Errorf("%w: job %s is %s, expected %s", ErrStatusConflict, id, jobs[i].Status, from)
			}
			if mutate != nil {
				mutate(&jobs[i])
			}
			jobs[i].ID = id
			jobs[i].Status = to
			jobs[i].UpdatedAt = time.Now().UTC().Truncate(time.Second)
			job = jobs[i]
			return jobs, true, nil
		}
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	})
	if err != nil {
		return Job{}, err
	}

	slog.Debug("job transitioned", slog.String("id", id), slog.String("from", string(from)), slog.String("to", string(to)))

	return job, nil
}

// Requeue puts jobs left in processing since before cutoff back to
// recorded, so that an interrupted run can be retried. Jobs without an
// update time are always requeued.
func (s *Store) Requeue(cutoff time.Time) ([]Job, error) {
	var requeued []Job
	err := s.withLock(func(jobs []Job) ([]Job, bool, error) {
		now := time.Now().UTC().Truncate(time.Second)
		for i := range jobs {
			if jobs[i].Status != StatusProcessing || jobs[i].UpdatedAt.After(cutoff) {
				continue
			}
			jobs[i].Status = StatusRecorded
			jobs[i].Error = "processing was interrupted"
			jobs[i].UpdatedAt = now
			requeued = append(requeued, jobs[i])
		}
		return jobs, len(requeued) > 0, nil
	})
	if err != nil {
		return nil, err
	}

	for _, j := range requeued {
		slog.Warn("requeued interrupted job", slog.String("id", j.ID), slog.String("name", j.Name))
	}

	return requeued, nil
}

func (s *Store) load() ([]Job, bool, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to open queue file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = separator
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var jobs []Job
	var dirty bool
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, false, fmt.Errorf("failed to read queue file: %w", err)
		}

		job, ok := decode(record)
		if !ok {
			line, _ := r.FieldPos(0)
			slog.Warn("skipping malformed queue entry", slog.Int("line", line))
			continue
		}
		if job.ID == "" {
			job.ID = model.NewId()
			dirty = true
		}
		jobs = append(jobs, job)
	}

	return jobs, dirty, nil
}

func decode(record []string) (Job, bool) {
	if len(record) < minCols {
		return Job{}, false
	}
	field := func(i int) string {
		if i < len(record) {
			return record[i]
		}
		return ""
	}

	job := Job{
		RecordingPath: field(colPath),
		Name:          field(colName),
		Date:          field(colDate),
		Status:        Status(field(colStatus)),
		ID:            field(colID),
		Transcript:    field(colTranscript),
		Error:         field(colError),
	}
	if att := field(colAttendees); att != "" {
		job.Attendees = strings.Split(att, attendeeSeparator)
	}
	if ts := field(colUpdatedAt); ts != "" {
		job.UpdatedAt, _ = time.Parse(time.RFC3339, ts)
	}

	if job.RecordingPath == "" || !job.Status.IsValid() {
		return Job{}, false
	}
	if job.ID != "" && !model.IsValidId(job.ID) {
		return Job{}, false
	}

	return job, true
}

func encode(job Job) []string {
	record := make([]string, numCols)
	record[colPath] = job.RecordingPath
	record[colName] = job.Name
	record[colDate] = job.Date
	record[colStatus] = string(job.Status)
	record[colAttendees] = strings.Join(job.Attendees, attendeeSeparator)
	record[colID] = job.ID
	record[colTranscript] = job.Transcript
	if !job.UpdatedAt.IsZero() {
		record[colUpdatedAt] = job.UpdatedAt.UTC().Format(time.RFC3339)
	}
	record[colError] = job.Error
	return record
}

func (s *Store) save(jobs []Job) error {
	f, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(f.Name())

	w := csv.NewWriter(f)
	w.Comma = separator
	for _, job := range jobs {
		if err := w.Write(encode(job)); err != nil {
			f.Close()
			return fmt.Errorf("failed to write job: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write queue file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close queue file: %w", err)
	}

	if err := os.Rename(f.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace queue file: %w", err)
	}

	return nil
}
