package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/meetingscribe/transcriber/cmd/transcriber/process"
	"github.com/meetingscribe/transcriber/cmd/transcriber/queue"
	"github.com/meetingscribe/transcriber/cmd/transcriber/recorder"

	"github.com/labstack/echo/v4"
)

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func errorResponse(msg string) response {
	return response{Error: msg}
}

func successResponse(format string, args ...any) response {
	return response{Success: true, Message: fmt.Sprintf(format, args...)}
}

type jobView struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	Date       string    `json:"date"`
	Status     string    `json:"status"`
	Attendees  []string  `json:"attendees,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func newJobView(j queue.Job) jobView {
	return jobView{
		ID:         j.ID,
		Path:       j.RecordingPath,
		Name:       j.Name,
		Date:       j.Date,
		Status:     string(j.Status),
		Attendees:  j.Attendees,
		Transcript: j.Transcript,
		Error:      j.Error,
		UpdatedAt:  j.UpdatedAt,
	}
}

type statusResponse struct {
	IsRecording    bool              `json:"is_recording"`
	CurrentMeeting *recorder.Meeting `json:"current_meeting"`
	Processing     bool              `json:"processing"`
	Queue          []jobView         `json:"queue"`
}

type startRequest struct {
	MeetingName string   `json:"meeting_name"`
	Attendees   []string `json:"attendees"`
}

type meetingResponse struct {
	response
	Meeting *recorder.Meeting `json:"meeting,omitempty"`
}

type jobResponse struct {
	response
	Job *jobView `json:"job,omitempty"`
}

type discardRequest struct {
	RecordingID string `json:"recording_id"`
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, recorder.ErrAlreadyRecording),
		errors.Is(err, recorder.ErrNotRecording),
		errors.Is(err, recorder.ErrCorruptPending),
		errors.Is(err, queue.ErrStatusConflict),
		errors.Is(err, queue.ErrInvalidTransition),
		errors.Is(err, process.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c echo.Context, err error) error {
	return c.JSON(errorStatus(err), errorResponse(err.Error()))
}

func (s *Server) handleIndex(c echo.Context) error {
	data, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		return err
	}
	return c.HTMLBlob(http.StatusOK, data)
}

func (s *Server) handleStatus(c echo.Context) error {
	st, err := s.rec.Status()
	if err != nil {
		return writeError(c, err)
	}

	res := statusResponse{
		IsRecording:    st.Recording,
		CurrentMeeting: st.Meeting,
		Processing:     s.proc.Busy(),
		Queue:          make([]jobView, 0, len(st.Queue)),
	}
	for _, j := range st.Queue {
		res.Queue = append(res.Queue, newJobView(j))
	}

	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleStart(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse("invalid request body"))
	}
	if strings.TrimSpace(req.MeetingName) == "" {
		return c.JSON(http.StatusBadRequest, errorResponse("Meeting name is required"))
	}

	m, err := s.rec.Start(c.Request().Context(), req.MeetingName, req.Attendees)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, meetingResponse{
		response: successResponse("Recording started: %s", m.Name),
		Meeting:  &m,
	})
}

func (s *Server) handleStop(c echo.Context) error {
	job, err := s.rec.Stop(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}

	view := newJobView(job)
	return c.JSON(http.StatusOK, jobResponse{
		response: successResponse("Recording saved: %s", job.Name),
		Job:      &view,
	})
}

func (s *Server) handleAbort(c echo.Context) error {
	m, err := s.rec.Abort(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, meetingResponse{
		response: successResponse("Recording aborted: %s", m.Name),
		Meeting:  &m,
	})
}

func (s *Server) handleProcess(c echo.Context) error {
	if !s.startProcessing("api") {
		return writeError(c, process.ErrBusy)
	}
	return c.JSON(http.StatusOK, successResponse("Processing started"))
}

func (s *Server) handleDiscard(c echo.Context) error {
	var req discardRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse("invalid request body"))
	}
	if req.RecordingID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse("Recording ID is required"))
	}

	job, err := s.store.Transition(req.RecordingID, queue.StatusRecorded, queue.StatusDiscarded, nil)
	if err != nil {
		return writeError(c, err)
	}
	s.metrics.ObserveJob(string(queue.StatusDiscarded))

	view := newJobView(job)
	return c.JSON(http.StatusOK, jobResponse{
		response: successResponse("Recording discarded: %s", job.Name),
		Job:      &view,
	})
}
