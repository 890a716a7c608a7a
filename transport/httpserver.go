package transport

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"eve.evalgo.org/queue"
	"eve.evalgo.org/registry"
)

// HTTPServer is the HTTP fallback mode of the worker transport, for
// deployments where a persistent WebSocket isn't available: job submit is
// a POST, status/result is polled with a GET. Built on the same echo
// routing semantic/actionregistry.go once used.
type HTTPServer struct {
	queues *registry.QueueRegistry
	echo   *echo.Echo
}

// NewHTTPServer builds an HTTPServer whose echo router exposes the worker
// transport's HTTP surface, routed through queues.
func NewHTTPServer(queues *registry.QueueRegistry) *HTTPServer {
	s := &HTTPServer{queues: queues, echo: echo.New()}
	s.echo.POST("/queues/:queue/jobs", s.submitJob)
	s.echo.GET("/queues/:queue/jobs/:id", s.jobStatus)
	return s
}

// Handler returns the http.Handler to mount, e.g. under http.ListenAndServe.
func (s *HTTPServer) Handler() http.Handler { return s.echo }

type submitRequest struct {
	Input      map[string]interface{} `json:"input"`
	JobRunID   string                  `json:"jobRunId,omitempty"`
	MaxRetries int                     `json:"maxRetries,omitempty"`
}

type submitResponse struct {
	ID string `json:"id"`
}

func (s *HTTPServer) submitJob(c echo.Context) error {
	queueName := c.Param("queue")
	handle, ok := s.queues.Get(queueName)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no queue registered for name "+queueName)
	}

	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	id, err := handle.Client.Add(c.Request().Context(), req.Input, queue.AddOptions{JobRunID: req.JobRunID, MaxRetries: req.MaxRetries})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, submitResponse{ID: id})
}

type statusResponse struct {
	ID          string                 `json:"id"`
	Status      string                 `json:"status"`
	Output      map[string]interface{} `json:"output,omitempty"`
	ErrorCode   string                 `json:"errorCode,omitempty"`
	ErrorDetail string                 `json:"error,omitempty"`
}

func (s *HTTPServer) jobStatus(c echo.Context) error {
	queueName := c.Param("queue")
	handle, ok := s.queues.Get(queueName)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no queue registered for name "+queueName)
	}

	job, found, err := handle.Client.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}

	return c.JSON(http.StatusOK, statusResponse{
		ID:          job.ID,
		Status:      string(job.Status),
		Output:      job.Output,
		ErrorCode:   job.ErrorCode,
		ErrorDetail: job.Error,
	})
}
