// Package server exposes recording control and the processing queue over
// HTTP, along with a small status page.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/meetingscribe/transcriber/cmd/transcriber/metrics"
	"github.com/meetingscribe/transcriber/cmd/transcriber/process"
	"github.com/meetingscribe/transcriber/cmd/transcriber/queue"
	"github.com/meetingscribe/transcriber/cmd/transcriber/recorder"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/robfig/cron/v3"
)

//go:embed static/*
var staticFS embed.FS

const shutdownTimeout = 10 * time.Second

type Recorder interface {
	Start(ctx context.Context, name string, attendees []string) (recorder.Meeting, error)
	Stop(ctx context.Context) (queue.Job, error)
	Abort(ctx context.Context) (recorder.Meeting, error)
	Status() (recorder.Status, error)
}

type Processor interface {
	ProcessAll(ctx context.Context) (int, error)
	Busy() bool
}

type Config struct {
	Addr string
	// Optional cron expression (standard five fields) triggering a
	// processing run.
	ProcessSchedule string
}

func (c Config) IsValid() error {
	if c.Addr == "" {
		return fmt.Errorf("Addr cannot be empty")
	}
	if c.ProcessSchedule != "" {
		if _, err := cron.ParseStandard(c.ProcessSchedule); err != nil {
			return fmt.Errorf("ProcessSchedule parsing failed: %w", err)
		}
	}
	return nil
}

type Server struct {
	cfg     Config
	rec     Recorder
	proc    Processor
	store   *queue.Store
	metrics *metrics.Metrics

	e    *echo.Echo
	cron *cron.Cron

	// Background processing runs outlive the request that started them.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

func New(cfg Config, rec Recorder, proc Processor, store *queue.Store, m *metrics.Metrics) (*Server, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if rec == nil || proc == nil || store == nil {
		return nil, fmt.Errorf("recorder, processor and store are required")
	}

	s := &Server{
		cfg:     cfg,
		rec:     rec,
		proc:    proc,
		store:   store,
		metrics: m,
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())

	s.e = s.newEcho()

	if cfg.ProcessSchedule != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(cfg.ProcessSchedule, func() {
			s.startProcessing("schedule")
		}); err != nil {
			return nil, fmt.Errorf("failed to schedule processing: %w", err)
		}
	}

	return s, nil
}

func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			msg = fmt.Sprint(he.Message)
		}
		if c.Response().Committed {
			return
		}
		if err := c.JSON(code, errorResponse(msg)); err != nil {
			slog.Error("failed to write error response", slog.String("err", err.Error()))
		}
	}

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			slog.Debug("http request",
				slog.String("method", c.Request().Method),
				slog.String("path", c.Request().URL.Path),
				slog.Int("status", c.Response().Status),
				slog.Duration("dur", time.Since(start)))
			return err
		}
	})
	e.Use(middleware.Recover())

	e.GET("/", s.handleIndex)
	e.GET("/metrics", echo.WrapHandler(s.metricsHandler()))

	api := e.Group("/api")
	api.GET("/status", s.handleStatus)
	api.POST("/start", s.handleStart)
	api.POST("/stop", s.handleStop)
	api.POST("/abort", s.handleAbort)
	api.POST("/process", s.handleProcess)
	api.POST("/discard", s.handleDiscard)

	return e
}

func (s *Server) metricsHandler() http.Handler {
	if s.metrics == nil {
		return http.NotFoundHandler()
	}
	return s.metrics.Handler()
}

// Handler returns the HTTP handler serving the UI and API.
func (s *Server) Handler() http.Handler {
	return s.e
}

// startProcessing runs the queue in the background. It returns false if
// a run is already in progress.
func (s *Server) startProcessing(trigger string) bool {
	if s.proc.Busy() {
		slog.Info("processing already in progress", slog.String("trigger", trigger))
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		n, err := s.proc.ProcessAll(s.bgCtx)
		if errors.Is(err, process.ErrBusy) {
			slog.Info("processing already in progress", slog.String("trigger", trigger))
			return
		}
		if err != nil {
			slog.Error("processing run failed", slog.String("trigger", trigger), slog.String("err", err.Error()))
		}
		slog.Info("processing run done", slog.String("trigger", trigger), slog.Int("processed", n))
	}()

	return true
}

// Run serves HTTP until ctx is done, then shuts down gracefully and waits
// for background processing to stop.
func (s *Server) Run(ctx context.Context) error {
	if s.cron != nil {
		s.cron.Start()
		slog.Info("processing scheduled", slog.String("schedule", s.cfg.ProcessSchedule))
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("web server listening", slog.String("addr", s.cfg.Addr))
		if err := s.e.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("failed to serve: %w", err)
		}
	}

	if err := s.shutdown(); err != nil && runErr == nil {
		runErr = err
	}

	return runErr
}

func (s *Server) shutdown() error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.e.Shutdown(ctx)

	s.bgCancel()
	s.wg.Wait()

	if err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	slog.Info("web server stopped")

	return nil
}
