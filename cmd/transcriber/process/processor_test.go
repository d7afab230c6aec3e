package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meetingscribe/transcriber/cmd/transcriber/interleave"
	"github.com/meetingscribe/transcriber/cmd/transcriber/metrics"
	"github.com/meetingscribe/transcriber/cmd/transcriber/queue"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const (
	selfSRT = "1\n00:00:01,000 --> 00:00:03,000\nHello everyone\n\n" +
		"2\n00:00:40,000 --> 00:00:41,000\nThank you.\n"
	othersSRT = "1\n00:00:02,000 --> 00:00:04,000\nHi there\n\n" +
		"2\n00:00:05,000 --> 00:00:07,000\nCan we start?\n"
	othersRTTM = "SPEAKER others 1 1.500 3.000 <NA> <NA> SPEAKER_00 <NA> <NA>\n" +
		"SPEAKER others 1 4.800 3.000 <NA> <NA> SPEAKER_01 <NA> <NA>\n"
)

type fakeExecutor struct {
	mut       sync.Mutex
	calls     [][]string
	ffmpegErr error
	rttm      string
}

func (e *fakeExecutor) Execute(_ context.Context, name string, args ...string) (string, error) {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.calls = append(e.calls, append([]string{name}, args...))

	switch name {
	case "ffmpeg":
		if e.ffmpegErr != nil {
			return "", e.ffmpegErr
		}
		for i, arg := range args {
			if arg == "pcm_s16le" && i+1 < len(args) {
				if err := os.WriteFile(args[i+1], []byte("RIFF"), 0600); err != nil {
					return "", err
				}
			}
		}
		return "", nil
	case "diarize":
		if e.rttm == "" {
			return "", fmt.Errorf("command %q failed: exit status 1", name)
		}
		return e.rttm, nil
	default:
		return "", fmt.Errorf("unexpected command %q", name)
	}
}

func (e *fakeExecutor) Calls() [][]string {
	e.mut.Lock()
	defer e.mut.Unlock()
	return append([][]string(nil), e.calls...)
}

type fakeTranscriber struct {
	mut     sync.Mutex
	outputs map[string]string
	err     error
	calls   int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audioPath, outDir string) (string, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	dst := filepath.Join(outDir, base+".srt")
	return dst, os.WriteFile(dst, []byte(f.outputs[base]), 0600)
}

type processorTest struct {
	p       *Processor
	store   *queue.Store
	exec    *fakeExecutor
	tr      *fakeTranscriber
	metrics *metrics.Metrics
	cfg     Config
	dir     string
}

func newProcessorTest(t *testing.T, mutate func(cfg *Config)) processorTest {
	t.Helper()
	dir := t.TempDir()

	store, err := queue.NewStore(filepath.Join(dir, "processing_queue.csv"))
	require.NoError(t, err)

	cfg := Config{
		FFmpegBin:   "ffmpeg",
		OutputDir:   filepath.Join(dir, "transcripts"),
		WorkDir:     filepath.Join(dir, "work"),
		Formats:     []interleave.Format{interleave.FormatText, interleave.FormatWebVTT},
		SelfLabel:   "Me",
		OthersLabel: "Others",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	exec := &fakeExecutor{}
	tr := &fakeTranscriber{outputs: map[string]string{"me": selfSRT, "others": othersSRT}}
	m := metrics.New()
	p, err := NewProcessor(cfg, store, exec, tr, m)
	require.NoError(t, err)

	return processorTest{
		p:       p,
		store:   store,
		exec:    exec,
		tr:      tr,
		metrics: m,
		cfg:     cfg,
		dir:     dir,
	}
}

func (pt processorTest) addJob(t *testing.T, name, date string) queue.Job {
	t.Helper()
	rec := filepath.Join(pt.dir, name+".mkv")
	require.NoError(t, os.WriteFile(rec, []byte("matroska"), 0600))
	job, err := pt.store.Add(queue.Job{RecordingPath: rec, Name: name, Date: date})
	require.NoError(t, err)
	return job
}

func TestConfigIsValid(t *testing.T) {
	valid := Config{
		FFmpegBin:   "ffmpeg",
		OutputDir:   "/out",
		WorkDir:     "/work",
		Formats:     []interleave.Format{interleave.FormatText},
		SelfLabel:   "Me",
		OthersLabel: "Others",
	}
	require.NoError(t, valid.IsValid())

	tcs := []struct {
		name   string
		mutate func(c *Config)
		err    string
	}{
		{"missing ffmpeg", func(c *Config) { c.FFmpegBin = "" }, "FFmpegBin cannot be empty"},
		{"missing output dir", func(c *Config) { c.OutputDir = "" }, "OutputDir cannot be empty"},
		{"missing work dir", func(c *Config) { c.WorkDir = "" }, "WorkDir cannot be empty"},
		{"no formats", func(c *Config) { c.Formats = nil }, "Formats cannot be empty"},
		{"bad format", func(c *Config) { c.Formats = []interleave.Format{"pdf"} }, `OutputFormat value "pdf" is not valid`},
		{"missing label", func(c *Config) { c.OthersLabel = "" }, "speaker labels cannot be empty"},
		{"negative stale after", func(c *Config) { c.StaleAfter = -time.Minute }, "StaleAfter cannot be negative"},
		{"negative filter gap", func(c *Config) { c.Filter.MaxGap = -time.Second }, "MaxGap cannot be negative"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			require.EqualError(t, cfg.IsValid(), tc.err)
		})
	}
}

func TestProcessNext(t *testing.T) {
	ctx := context.Background()

	t.Run("empty queue", func(t *testing.T) {
		pt := newProcessorTest(t, nil)
		_, err := pt.p.ProcessNext(ctx)
		require.ErrorIs(t, err, queue.ErrNotFound)
	})

	t.Run("success", func(t *testing.T) {
		pt := newProcessorTest(t, nil)
		job := pt.addJob(t, "Weekly sync", "20240501_1000")

		done, err := pt.p.ProcessNext(ctx)
		require.NoError(t, err)
		require.Equal(t, job.ID, done.ID)
		require.Equal(t, queue.StatusProcessed, done.Status)
		require.Empty(t, done.Error)

		txtPath := filepath.Join(pt.cfg.OutputDir, "20240501_1000_Weekly_sync.txt")
		require.Equal(t, txtPath, done.Transcript)

		txt, err := os.ReadFile(txtPath)
		require.NoError(t, err)
		require.Equal(t, "[00:00:01] Me: Hello everyone\n\n"+
			"[00:00:02] Others: Hi there\n\n"+
			"[00:00:05] Others: Can we start?\n", string(txt))

		vtt, err := os.ReadFile(filepath.Join(pt.cfg.OutputDir, "20240501_1000_Weekly_sync.vtt"))
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(string(vtt), "WEBVTT\n\n00:00:01.000 --> 00:00:03.000\n<v Me>Hello everyone\n"))

		// Audio tracks are extracted in a single ffmpeg run.
		calls := pt.exec.Calls()
		require.Len(t, calls, 1)
		workDir := filepath.Join(pt.cfg.WorkDir, job.ID)
		require.Equal(t, []string{
			"ffmpeg", "-y", "-nostdin", "-i", job.RecordingPath,
			"-map", "0:a:0", "-ar", "16000", "-ac", "1", "-c:a", "pcm_s16le", filepath.Join(workDir, "me.wav"),
			"-map", "0:a:1", "-ar", "16000", "-ac", "1", "-c:a", "pcm_s16le", filepath.Join(workDir, "others.wav"),
		}, calls[0])
		require.Equal(t, 2, pt.tr.calls)

		// Intermediate files are gone, the recording is kept.
		require.NoDirExists(t, workDir)
		require.FileExists(t, job.RecordingPath)

		require.Equal(t, float64(1), testutil.ToFloat64(pt.metrics.Jobs.WithLabelValues("processed")))
		require.Equal(t, float64(3), testutil.ToFloat64(pt.metrics.MergedLines))

		_, err = pt.p.ProcessNext(ctx)
		require.ErrorIs(t, err, queue.ErrNotFound)
	})

	t.Run("transcription failure releases job", func(t *testing.T) {
		pt := newProcessorTest(t, nil)
		job := pt.addJob(t, "Standup", "20240501_0930")
		pt.tr.err = errors.New("model crashed")

		_, err := pt.p.ProcessNext(ctx)
		require.EqualError(t, err, "failed to transcribe: model crashed")

		got, err := pt.store.Get(job.ID)
		require.NoError(t, err)
		require.Equal(t, queue.StatusRecorded, got.Status)
		require.Equal(t, "failed to transcribe: model crashed", got.Error)
		require.Equal(t, float64(1), testutil.ToFloat64(pt.metrics.Jobs.WithLabelValues("failed")))

		// A later attempt succeeds and clears the error.
		pt.tr.err = nil
		done, err := pt.p.ProcessNext(ctx)
		require.NoError(t, err)
		require.Equal(t, queue.StatusProcessed, done.Status)
		require.Empty(t, done.Error)
	})

	t.Run("ffmpeg failure", func(t *testing.T) {
		pt := newProcessorTest(t, nil)
		pt.addJob(t, "Standup", "20240501_0930")
		pt.exec.ffmpegErr = errors.New("Stream map '0:a:1' matches no streams")

		_, err := pt.p.ProcessNext(ctx)
		require.EqualError(t, err, "failed to extract audio tracks: Stream map '0:a:1' matches no streams")
		require.Zero(t, pt.tr.calls)
	})

	t.Run("missing recording", func(t *testing.T) {
		pt := newProcessorTest(t, nil)
		job := pt.addJob(t, "Standup", "20240501_0930")
		require.NoError(t, os.Remove(job.RecordingPath))

		_, err := pt.p.ProcessNext(ctx)
		require.ErrorIs(t, err, os.ErrNotExist)
		require.Empty(t, pt.exec.Calls())
	})

	t.Run("delete recordings", func(t *testing.T) {
		pt := newProcessorTest(t, func(cfg *Config) {
			cfg.DeleteRecordings = true
		})
		job := pt.addJob(t, "Standup", "20240501_0930")

		_, err := pt.p.ProcessNext(ctx)
		require.NoError(t, err)
		require.NoFileExists(t, job.RecordingPath)
	})

	t.Run("empty transcript keeps files", func(t *testing.T) {
		pt := newProcessorTest(t, func(cfg *Config) {
			cfg.DeleteRecordings = true
			cfg.Formats = []interleave.Format{interleave.FormatText}
		})
		pt.tr.outputs = map[string]string{}
		job := pt.addJob(t, "Silent", "20240501_0930")

		done, err := pt.p.ProcessNext(ctx)
		require.NoError(t, err)
		require.Equal(t, queue.StatusProcessed, done.Status)
		require.DirExists(t, filepath.Join(pt.cfg.WorkDir, job.ID))
		require.FileExists(t, job.RecordingPath)
	})

	t.Run("diarization", func(t *testing.T) {
		pt := newProcessorTest(t, func(cfg *Config) {
			cfg.DiarizeCmd = "diarize --format rttm"
			cfg.Formats = []interleave.Format{interleave.FormatText}
		})
		pt.exec.rttm = othersRTTM
		job := pt.addJob(t, "Planning", "20240501_1000")

		done, err := pt.p.ProcessNext(ctx)
		require.NoError(t, err)

		txt, err := os.ReadFile(done.Transcript)
		require.NoError(t, err)
		require.Equal(t, "[00:00:01] Me: Hello everyone\n\n"+
			"[00:00:02] Speaker 1: Hi there\n\n"+
			"[00:00:05] Speaker 2: Can we start?\n", string(txt))

		calls := pt.exec.Calls()
		require.Len(t, calls, 2)
		require.Equal(t, []string{"diarize", "--format", "rttm", filepath.Join(pt.cfg.WorkDir, job.ID, "others.wav")}, calls[1])
	})

	t.Run("diarization failure falls back", func(t *testing.T) {
		pt := newProcessorTest(t, func(cfg *Config) {
			cfg.DiarizeCmd = "diarize"
			cfg.Formats = []interleave.Format{interleave.FormatText}
		})
		pt.addJob(t, "Planning", "20240501_1000")

		done, err := pt.p.ProcessNext(ctx)
		require.NoError(t, err)
		txt, err := os.ReadFile(done.Transcript)
		require.NoError(t, err)
		require.Contains(t, string(txt), "[00:00:02] Others: Hi there")
	})
}

func TestProcessAll(t *testing.T) {
	ctx := context.Background()
	pt := newProcessorTest(t, nil)

	older := pt.addJob(t, "older", "20240501_0900")
	newer := pt.addJob(t, "newer", "20240502_0900")
	discarded := pt.addJob(t, "discarded", "20240503_0900")
	_, err := pt.store.Transition(discarded.ID, queue.StatusRecorded, queue.StatusDiscarded, nil)
	require.NoError(t, err)

	n, err := pt.p.ProcessAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, id := range []string{older.ID, newer.ID} {
		j, err := pt.store.Get(id)
		require.NoError(t, err)
		require.Equal(t, queue.StatusProcessed, j.Status)
	}
	j, err := pt.store.Get(discarded.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusDiscarded, j.Status)

	// Oldest first.
	calls := pt.exec.Calls()
	require.Equal(t, older.RecordingPath, calls[0][4])
	require.Equal(t, newer.RecordingPath, calls[1][4])

	t.Run("failures do not stop the run", func(t *testing.T) {
		pt := newProcessorTest(t, nil)
		broken := pt.addJob(t, "broken", "20240501_0900")
		require.NoError(t, os.Remove(broken.RecordingPath))
		pt.addJob(t, "fine", "20240502_0900")

		n, err := pt.p.ProcessAll(ctx)
		require.Error(t, err)
		require.Contains(t, err.Error(), "job "+broken.ID)
		require.Equal(t, 1, n)
	})
}

func TestProcessInterruptedJobs(t *testing.T) {
	ctx := context.Background()

	t.Run("stale job is retried", func(t *testing.T) {
		pt := newProcessorTest(t, func(cfg *Config) {
			cfg.StaleAfter = time.Nanosecond
		})
		job := pt.addJob(t, "crashed", "20240501_0900")
		_, err := pt.store.Transition(job.ID, queue.StatusRecorded, queue.StatusProcessing, nil)
		require.NoError(t, err)

		n, err := pt.p.ProcessAll(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		j, err := pt.store.Get(job.ID)
		require.NoError(t, err)
		require.Equal(t, queue.StatusProcessed, j.Status)
		require.Empty(t, j.Error)
		require.Equal(t, float64(1), testutil.ToFloat64(pt.metrics.Jobs.WithLabelValues("requeued")))
	})

	t.Run("recent job is left alone", func(t *testing.T) {
		pt := newProcessorTest(t, func(cfg *Config) {
			cfg.StaleAfter = time.Hour
		})
		job := pt.addJob(t, "running", "20240501_0900")
		_, err := pt.store.Transition(job.ID, queue.StatusRecorded, queue.StatusProcessing, nil)
		require.NoError(t, err)

		_, err = pt.p.ProcessNext(ctx)
		require.ErrorIs(t, err, queue.ErrNotFound)

		j, err := pt.store.Get(job.ID)
		require.NoError(t, err)
		require.Equal(t, queue.StatusProcessing, j.Status)
	})
}

func TestProcessorBusy(t *testing.T) {
	pt := newProcessorTest(t, nil)

	release, err := pt.p.acquire()
	require.NoError(t, err)
	require.True(t, pt.p.Busy())

	_, err = pt.p.ProcessAll(context.Background())
	require.ErrorIs(t, err, ErrBusy)
	_, err = pt.p.ProcessNext(context.Background())
	require.ErrorIs(t, err, ErrBusy)

	release()
	require.False(t, pt.p.Busy())
}

func TestWatch(t *testing.T) {
	watchDebounce = 10 * time.Millisecond
	defer func() { watchDebounce = time.Second }()

	pt := newProcessorTest(t, nil)
	existing := pt.addJob(t, "existing", "20240501_0900")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pt.p.Watch(ctx)
	}()

	processed := func(id string) func() bool {
		return func() bool {
			j, err := pt.store.Get(id)
			return err == nil && j.Status == queue.StatusProcessed
		}
	}

	require.Eventually(t, processed(existing.ID), 5*time.Second, 20*time.Millisecond)

	queued := pt.addJob(t, "queued", "20240502_0900")
	require.Eventually(t, processed(queued.ID), 5*time.Second, 20*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}
