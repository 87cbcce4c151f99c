package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/castbridge/castbridge/internal/logger"
	"github.com/castbridge/castbridge/internal/worker"
)

// statusLogTail caps how many buffered log lines the status endpoint
// returns.
const statusLogTail = 100

type statusResponse struct {
	Worker worker.Status     `json:"worker"`
	Logs   []logger.LogEntry `json:"logs"`
}

// handleStatus returns the worker status plus a recent-log tail.
func (s *Server) handleStatus(c echo.Context) error {
	resp := statusResponse{Worker: s.deps.Worker.Status()}
	if s.deps.Logs != nil {
		entries := s.deps.Logs.GetRecentLogs()
		if len(entries) > statusLogTail {
			entries = entries[len(entries)-statusLogTail:]
		}
		resp.Logs = entries
	}
	return c.JSON(http.StatusOK, resp)
}

// handleAction submits a registered action onto the worker queue.
func (s *Server) handleAction(c echo.Context) error {
	name := c.Param("name")
	action, ok := s.deps.Registry.Get(name)
	if !ok {
		return notFound(c, "unknown action: "+name)
	}

	s.deps.Worker.Submit(worker.Task{
		Name:      action.DisplayName,
		Processor: action.Processor,
		Fn:        action.Fn,
	})
	return c.JSON(http.StatusAccepted, map[string]string{"submitted": name})
}

// handleStopTask signals the running task to stop.
func (s *Server) handleStopTask(c echo.Context) error {
	if !s.deps.Worker.StopCurrent() {
		return c.JSON(http.StatusOK, map[string]bool{"stopped": false})
	}
	return c.JSON(http.StatusOK, map[string]bool{"stopped": true})
}

// handleTasks lists the scheduled jobs with their next run times.
func (s *Server) handleTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Scheduler.ListTasks())
}
