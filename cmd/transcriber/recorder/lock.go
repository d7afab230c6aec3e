package recorder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrCorruptPending   = errors.New("pending file is corrupted")
)

// Meeting describes the recording in progress.
type Meeting struct {
	Name      string    `json:"name"`
	Date      string    `json:"date"`
	Attendees []string  `json:"attendees,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// PendingLock persists the meeting being recorded so that only one
// recording can be pending at a time, across restarts and processes.
type PendingLock struct {
	path  string
	flock *flock.Flock
	mut   sync.Mutex
}

func NewPendingLock(path string) (*PendingLock, error) {
	if path == "" {
		return nil, fmt.Errorf("invalid empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return &PendingLock{
		path:  path,
		flock: flock.New(path + ".lock"),
	}, nil
}

func (l *PendingLock) lock() (func(), error) {
	l.mut.Lock()
	if err := l.flock.Lock(); err != nil {
		l.mut.Unlock()
		return nil, fmt.Errorf("failed to lock: %w", err)
	}
	return func() {
		if err := l.flock.Unlock(); err != nil {
			slog.Error("failed to unlock", slog.String("err", err.Error()))
		}
		l.mut.Unlock()
	}, nil
}

func (l *PendingLock) read() (*Meeting, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read pending file: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		return l.readLines(trimmed)
	}

	var m Meeting
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptPending, err)
	}
	return &m, nil
}

// readLines decodes the line based format of older versions: name, date
// and "|" separated attendees. The start time is taken from the file.
func (l *PendingLock) readLines(data []byte) (*Meeting, error) {
	lines := strings.Split(string(data), "\n")
	name := strings.TrimSpace(lines[0])
	if name == "" {
		return nil, fmt.Errorf("%w: missing meeting name", ErrCorruptPending)
	}

	m := Meeting{Name: name}
	if len(lines) > 1 {
		m.Date = strings.TrimSpace(lines[1])
	}
	if len(lines) > 2 {
		for _, a := range strings.Split(lines[2], "|") {
			if a = strings.TrimSpace(a); a != "" {
				m.Attendees = append(m.Attendees, a)
			}
		}
	}

	if info, err := os.Stat(l.path); err == nil {
		m.StartedAt = info.ModTime().UTC().Truncate(time.Second)
	}

	return &m, nil
}

func (l *PendingLock) write(m Meeting) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(l.path), "."+filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write pending file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close pending file: %w", err)
	}
	if err := os.Rename(f.Name(), l.path); err != nil {
		return fmt.Errorf("failed to rename pending file: %w", err)
	}

	return nil
}

// Acquire marks m as the meeting being recorded. It fails with
// ErrAlreadyRecording if another meeting is pending.
func (l *PendingLock) Acquire(m Meeting) error {
	unlock, err := l.lock()
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := l.read()
	if err != nil {
		return err
	}
	if cur != nil {
		return fmt.Errorf("%w %q", ErrAlreadyRecording, cur.Name)
	}

	return l.write(m)
}

// Current returns the pending meeting, or nil if there is none. An
// undecodable pending file yields ErrCorruptPending.
func (l *PendingLock) Current() (*Meeting, error) {
	unlock, err := l.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return l.read()
}

// Release clears the pending meeting and returns it.
func (l *PendingLock) Release() (*Meeting, error) {
	unlock, err := l.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := l.read()
	if m == nil && err == nil {
		return nil, ErrNotRecording
	}
	if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove pending file: %w", rmErr)
	}
	if err != nil {
		slog.Warn("removed corrupted pending file", slog.String("err", err.Error()))
	}

	return m, nil
}
