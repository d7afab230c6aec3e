package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/meetingscribe/transcriber/cmd/transcriber/diarize"
	"github.com/meetingscribe/transcriber/cmd/transcriber/filter"
	"github.com/meetingscribe/transcriber/cmd/transcriber/interleave"
	"github.com/meetingscribe/transcriber/cmd/transcriber/metrics"
	"github.com/meetingscribe/transcriber/cmd/transcriber/queue"
	"github.com/meetingscribe/transcriber/cmd/transcriber/server"
	"github.com/meetingscribe/transcriber/cmd/transcriber/srt"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"
)

// suffixedPath returns path with suffix inserted before its extension.
func suffixedPath(path, suffix string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + suffix + ext
}

type MergeCmd struct {
	Self        string `arg:"" help:"SRT transcript of your own microphone."`
	Others      string `arg:"" help:"SRT transcript of the other participants."`
	Output      string `arg:"" optional:"" default:"-" help:"Output file, - for standard output."`
	Format      string `short:"f" default:"txt" enum:"txt,vtt" help:"Output format (${enum})."`
	SelfLabel   string `help:"Label of your own lines. Defaults to the configured label."`
	OthersLabel string `help:"Label of the other participants' lines. Defaults to the configured label."`
}

func (c *MergeCmd) Run(r *runContext) error {
	cfg, err := r.config()
	if err != nil {
		return err
	}

	selfLabel, othersLabel := cfg.Labels.Self, cfg.Labels.Others
	if c.SelfLabel != "" {
		selfLabel = c.SelfLabel
	}
	if c.OthersLabel != "" {
		othersLabel = c.OthersLabel
	}

	inputs := []interleave.Input{
		{Path: c.Self, Label: selfLabel},
		{Path: c.Others, Label: othersLabel},
	}
	opts := interleave.Options{
		Format: interleave.Format(c.Format),
		Text:   cfg.Output.Text,
		WebVTT: cfg.Output.WebVTT,
	}

	var res *interleave.Result
	if c.Output == "" || c.Output == "-" {
		res, err = interleave.Merge(inputs, os.Stdout, opts)
	} else {
		res, err = interleave.MergeFiles(inputs, c.Output, opts)
	}
	if err != nil {
		return err
	}

	slog.Info("transcripts merged",
		slog.String("output", c.Output),
		slog.Int("lines", res.Lines),
		slog.Int("warnings", len(res.Warnings)))

	return nil
}

type FilterCmd struct {
	Input    string        `arg:"" help:"SRT transcript to filter."`
	Output   string        `arg:"" optional:"" help:"Output file. Defaults to <input>_filtered.srt."`
	MaxGap   time.Duration `default:"20s" help:"Silence after which a short isolated segment is dropped."`
	MaxWords int           `default:"2" help:"Word count at or below which a segment is considered short."`
}

func (c *FilterCmd) Run() error {
	segments, _, err := srt.ParseFile(c.Input)
	if err != nil {
		return err
	}

	kept, removed := filter.Filter(segments, filter.Options{
		MaxGap:   c.MaxGap,
		MaxWords: c.MaxWords,
	})

	out := c.Output
	if out == "" {
		out = suffixedPath(c.Input, "_filtered")
	}
	if err := srt.WriteFile(out, kept); err != nil {
		return err
	}

	slog.Info("hallucinations filtered",
		slog.String("output", out),
		slog.Int("kept", len(kept)),
		slog.Int("removed", len(removed)))

	return nil
}

type DiarizeCmd struct {
	RTTM   string `name:"rttm" required:"" help:"RTTM file with the speaker turns."`
	Input  string `arg:"" help:"SRT transcript to label."`
	Output string `arg:"" optional:"" help:"Output file. Defaults to <input>_diarized.srt."`
}

func (c *DiarizeCmd) Run() error {
	turns, err := diarize.ParseRTTMFile(c.RTTM)
	if err != nil {
		return err
	}

	segments, _, err := srt.ParseFile(c.Input)
	if err != nil {
		return err
	}

	out := c.Output
	if out == "" {
		out = suffixedPath(c.Input, "_diarized")
	}
	if err := srt.WriteFile(out, diarize.Label(segments, turns)); err != nil {
		return err
	}

	slog.Info("speakers labeled",
		slog.String("output", out),
		slog.Int("segments", len(segments)),
		slog.Int("turns", len(turns)))

	return nil
}

type ProcessCmd struct {
	Watch bool `short:"w" xor:"mode" help:"Keep running and process recordings as they get queued."`
	One   bool `xor:"mode" help:"Only process the oldest recorded meeting."`
}

func (c *ProcessCmd) Run(r *runContext) error {
	store, err := r.store()
	if err != nil {
		return err
	}

	p, err := r.processor(store, nil)
	if err != nil {
		return err
	}

	if c.Watch {
		if err := p.Watch(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	if c.One {
		job, err := p.ProcessNext(r.ctx)
		if errors.Is(err, queue.ErrNotFound) {
			fmt.Println("No recordings waiting for processing")
			return nil
		} else if err != nil {
			return err
		}
		fmt.Printf("Transcript saved: %s\n", job.Transcript)
		return nil
	}

	n, err := p.ProcessAll(r.ctx)
	slog.Info("processing done", slog.Int("processed", n))

	return err
}

type ServeCmd struct {
	Watch bool `short:"w" help:"Also process recordings as soon as they get queued."`
}

func (c *ServeCmd) Run(r *runContext) error {
	cfg, err := r.config()
	if err != nil {
		return err
	}

	store, err := r.store()
	if err != nil {
		return err
	}

	m := metrics.New()

	ctrl, err := r.controller(store, m)
	if err != nil {
		return err
	}

	proc, err := r.processor(store, m)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Addr:            cfg.Web.Addr(),
		ProcessSchedule: cfg.Web.ProcessSchedule,
	}, ctrl, proc, store, m)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, ctx := errgroup.WithContext(r.ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	if c.Watch {
		g.Go(func() error {
			if err := proc.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

type RecordCmd struct {
	Start  RecordStartCmd  `cmd:"" help:"Start recording a meeting."`
	Stop   RecordStopCmd   `cmd:"" help:"Stop recording and queue the recording for processing."`
	Abort  RecordAbortCmd  `cmd:"" help:"Stop recording and delete the recording."`
	Status RecordStatusCmd `cmd:"" help:"Show the recording status."`
}

type RecordStartCmd struct {
	Name      string   `arg:"" help:"Meeting name."`
	Attendees []string `short:"a" name:"attendee" help:"Meeting attendee. Can be repeated."`
}

func (c *RecordStartCmd) Run(r *runContext) error {
	store, err := r.store()
	if err != nil {
		return err
	}
	ctrl, err := r.controller(store, nil)
	if err != nil {
		return err
	}

	m, err := ctrl.Start(r.ctx, c.Name, c.Attendees)
	if err != nil {
		return err
	}

	fmt.Printf("Recording started: %s\n", m.Name)

	return nil
}

type RecordStopCmd struct{}

func (c *RecordStopCmd) Run(r *runContext) error {
	store, err := r.store()
	if err != nil {
		return err
	}
	ctrl, err := r.controller(store, nil)
	if err != nil {
		return err
	}

	job, err := ctrl.Stop(r.ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Recording saved: %s (%s)\n", job.Name, job.ID)

	return nil
}

type RecordAbortCmd struct{}

func (c *RecordAbortCmd) Run(r *runContext) error {
	store, err := r.store()
	if err != nil {
		return err
	}
	ctrl, err := r.controller(store, nil)
	if err != nil {
		return err
	}

	m, err := ctrl.Abort(r.ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Recording aborted: %s\n", m.Name)

	return nil
}

type RecordStatusCmd struct{}

func (c *RecordStatusCmd) Run(r *runContext) error {
	store, err := r.store()
	if err != nil {
		return err
	}
	ctrl, err := r.controller(store, nil)
	if err != nil {
		return err
	}

	st, err := ctrl.Status()
	if err != nil {
		return err
	}

	if st.Meeting != nil {
		fmt.Printf("Recording: %s (since %s)\n", st.Meeting.Name, st.Meeting.StartedAt.Local().Format(time.Kitchen))
	} else if st.Recording {
		fmt.Println("Recording: unknown meeting, pending state is unreadable (run record abort)")
	} else {
		fmt.Println("Not recording")
	}

	var pending int
	for _, j := range st.Queue {
		if j.Status == queue.StatusRecorded {
			pending++
		}
	}
	fmt.Printf("Recordings waiting for processing: %d\n", pending)

	return nil
}

type QueueCmd struct {
	List    QueueListCmd    `cmd:"" default:"1" help:"List queued recordings, newest first."`
	Discard QueueDiscardCmd `cmd:"" help:"Discard a recording so it never gets processed."`
	Requeue QueueRequeueCmd `cmd:"" help:"Put a recording stuck in processing back in the queue."`
}

type QueueListCmd struct {
	Status string `short:"s" default:"all" enum:"all,recorded,processing,processed,discarded" help:"Only show jobs with this status (${enum})."`
}

func writeJobs(w io.Writer, jobs []queue.Job) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Date", "Name", "Status", "Error"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, j := range jobs {
		date := j.Date
		if t := j.Time(); !t.IsZero() {
			date = t.Format("2006-01-02 15:04")
		}
		table.Append([]string{j.ID, date, j.Name, string(j.Status), j.Error})
	}
	table.Render()
}

func (c *QueueListCmd) Run(r *runContext) error {
	store, err := r.store()
	if err != nil {
		return err
	}

	jobs, err := store.List()
	if err != nil {
		return err
	}

	var filtered []queue.Job
	for _, j := range jobs {
		if c.Status == "all" || string(j.Status) == c.Status {
			filtered = append(filtered, j)
		}
	}

	writeJobs(os.Stdout, filtered)

	return nil
}

type QueueDiscardCmd struct {
	ID string `arg:"" help:"ID of the recording to discard."`
}

func (c *QueueDiscardCmd) Run(r *runContext) error {
	store, err := r.store()
	if err != nil {
		return err
	}

	job, err := store.Transition(c.ID, queue.StatusRecorded, queue.StatusDiscarded, nil)
	if err != nil {
		return fmt.Errorf("failed to discard recording: %w", err)
	}

	fmt.Printf("Recording discarded: %s\n", job.Name)

	return nil
}

type QueueRequeueCmd struct {
	ID string `arg:"" help:"ID of the recording to requeue."`
}

func (c *QueueRequeueCmd) Run(r *runContext) error {
	store, err := r.store()
	if err != nil {
		return err
	}

	job, err := store.Transition(c.ID, queue.StatusProcessing, queue.StatusRecorded, func(j *queue.Job) {
		j.Error = "requeued manually"
	})
	if err != nil {
		return fmt.Errorf("failed to requeue recording: %w", err)
	}

	fmt.Printf("Recording requeued: %s\n", job.Name)

	return nil
}
