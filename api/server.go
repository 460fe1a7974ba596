// Package api exposes the engine over REST. Errors carry their engine kind
// in the response body and map onto HTTP status codes, so clients can
// distinguish bad input from lost races and engine failures.
package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"bpmn.evalgo.org/common"
	"bpmn.evalgo.org/config"
	"bpmn.evalgo.org/db"
	"bpmn.evalgo.org/engine"
	"bpmn.evalgo.org/executor"
	"bpmn.evalgo.org/version"
)

// Server wires the engine facade into an echo application.
type Server struct {
	echo   *echo.Echo
	engine *engine.Engine
	cfg    *config.Config
}

// APIKeyAuth rejects requests without the expected X-API-Key header.
func APIKeyAuth(validKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get("X-API-Key")
			if key == "" || key != validKey {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
			}
			return next(c)
		}
	}
}

// NewServer builds the REST server with its middleware stack and routes.
func NewServer(eng *engine.Engine, cfg *config.Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit("1M"))
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(
			middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimit))))
	}

	s := &Server{echo: e, engine: eng, cfg: cfg}

	e.GET("/health", s.health)

	g := e.Group("")
	if cfg.APIKey != "" {
		g.Use(APIKeyAuth(cfg.APIKey))
	}

	g.POST("/processes", s.deployProcess)
	g.POST("/processes/start", s.startProcess)
	g.POST("/processes/:processID/start", s.startProcessByID)

	g.GET("/instances", s.listInstances)
	g.GET("/instances/:id", s.processState)
	g.GET("/instances/:id/tasks", s.pendingTasks)
	g.POST("/instances/:id/tasks/:taskID/complete", s.completeTask)
	g.POST("/instances/:id/signal", s.signalEvent)
	g.POST("/instances/:id/suspend", s.suspendInstance)
	g.POST("/instances/:id/resume", s.resumeInstance)
	g.POST("/instances/:id/terminate", s.terminateInstance)

	g.GET("/forms/:id", s.getForm)
	g.PUT("/forms/:id", s.saveForm)

	return s
}

// Start serves requests until Shutdown is called.
func (s *Server) Start() error {
	return s.echo.Start(s.cfg.Addr())
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

type deployRequest struct {
	BPMNXml string `json:"bpmn_xml"`
}

type startRequest struct {
	BPMNXml   string                 `json:"bpmn_xml,omitempty"`
	Variables map[string]interface{} `json:"variables"`
}

type completeRequest struct {
	Variables map[string]interface{} `json:"variables"`
}

type signalRequest struct {
	EventID string `json:"event_id"`
	Payload string `json:"payload"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": version.Get(),
	})
}

func (s *Server) deployProcess(c echo.Context) error {
	req := new(deployRequest)
	if err := c.Bind(req); err != nil || req.BPMNXml == "" {
		return badRequest(c, "bpmn_xml is required")
	}
	processID, version, err := s.engine.DeployProcess(c.Request().Context(), req.BPMNXml)
	if err != nil {
		return respondError(c, err, "")
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"process_id": processID,
		"version":    version,
	})
}

func (s *Server) startProcess(c echo.Context) error {
	req := new(startRequest)
	if err := c.Bind(req); err != nil || req.BPMNXml == "" {
		return badRequest(c, "bpmn_xml is required")
	}
	vars, err := executor.NormalizeValues(req.Variables)
	if err != nil {
		return badRequest(c, "variables must be a JSON object")
	}
	instanceID, err := s.engine.StartProcess(c.Request().Context(), req.BPMNXml, vars)
	if err != nil {
		return respondError(c, err, instanceID)
	}
	return s.startedResponse(c, instanceID)
}

func (s *Server) startProcessByID(c echo.Context) error {
	req := new(startRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, "malformed request body")
	}
	vars, err := executor.NormalizeValues(req.Variables)
	if err != nil {
		return badRequest(c, "variables must be a JSON object")
	}
	instanceID, err := s.engine.StartProcessByID(c.Request().Context(),
		c.Param("processID"), vars)
	if err != nil {
		return respondError(c, err, instanceID)
	}
	return s.startedResponse(c, instanceID)
}

func (s *Server) startedResponse(c echo.Context, instanceID string) error {
	state, err := s.engine.GetProcessState(c.Request().Context(), instanceID)
	if err != nil {
		return respondError(c, err, instanceID)
	}
	return c.JSON(http.StatusCreated, state)
}

func (s *Server) listInstances(c echo.Context) error {
	ids, err := s.engine.ActiveInstances(c.Request().Context())
	if err != nil {
		return respondError(c, err, "")
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, map[string][]string{"instances": ids})
}

func (s *Server) processState(c echo.Context) error {
	state, err := s.engine.GetProcessState(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err, c.Param("id"))
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) pendingTasks(c echo.Context) error {
	tasks, err := s.engine.PendingTasks(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err, c.Param("id"))
	}
	if tasks == nil {
		tasks = []db.UserTask{}
	}
	return c.JSON(http.StatusOK, map[string][]db.UserTask{"tasks": tasks})
}

func (s *Server) completeTask(c echo.Context) error {
	req := new(completeRequest)
	if err := c.Bind(req); err != nil {
		return badRequest(c, "malformed request body")
	}
	vars, err := executor.NormalizeValues(req.Variables)
	if err != nil {
		return badRequest(c, "variables must be a JSON object")
	}
	instanceID := c.Param("id")
	err = s.engine.CompleteTask(c.Request().Context(), instanceID, c.Param("taskID"), vars)
	if err != nil {
		return respondError(c, err, instanceID)
	}
	state, err := s.engine.GetProcessState(c.Request().Context(), instanceID)
	if err != nil {
		return respondError(c, err, instanceID)
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) signalEvent(c echo.Context) error {
	req := new(signalRequest)
	if err := c.Bind(req); err != nil || req.EventID == "" {
		return badRequest(c, "event_id is required")
	}
	instanceID := c.Param("id")
	if err := s.engine.SignalEvent(c.Request().Context(), instanceID, req.EventID, req.Payload); err != nil {
		return respondError(c, err, instanceID)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) suspendInstance(c echo.Context) error {
	return s.lifecycle(c, s.engine.SuspendInstance)
}

func (s *Server) resumeInstance(c echo.Context) error {
	return s.lifecycle(c, s.engine.ResumeInstance)
}

func (s *Server) terminateInstance(c echo.Context) error {
	return s.lifecycle(c, s.engine.TerminateInstance)
}

func (s *Server) lifecycle(c echo.Context, op func(context.Context, string) error) error {
	instanceID := c.Param("id")
	if err := op(c.Request().Context(), instanceID); err != nil {
		return respondError(c, err, instanceID)
	}
	state, err := s.engine.GetProcessState(c.Request().Context(), instanceID)
	if err != nil {
		return respondError(c, err, instanceID)
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) getForm(c echo.Context) error {
	form, err := s.engine.GetForm(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err, "")
	}
	return c.JSON(http.StatusOK, form)
}

func (s *Server) saveForm(c echo.Context) error {
	form := new(db.Form)
	if err := c.Bind(form); err != nil {
		return badRequest(c, "malformed request body")
	}
	form.ID = c.Param("id")
	if err := s.engine.SaveForm(c.Request().Context(), form); err != nil {
		return respondError(c, err, "")
	}
	return c.JSON(http.StatusOK, form)
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{
		Error: message,
		Kind:  string(common.KindValidation),
	})
}

// respondError maps engine error kinds onto HTTP status codes. The instance
// id is echoed back when the operation already created one, so a failed
// start can still be inspected.
func respondError(c echo.Context, err error, instanceID string) error {
	status := http.StatusInternalServerError
	switch common.KindOf(err) {
	case common.KindValidation, common.KindParse:
		status = http.StatusBadRequest
	case common.KindInvalidDefinition, common.KindMalformedProcess:
		status = http.StatusUnprocessableEntity
	case common.KindNotFound:
		status = http.StatusNotFound
	case common.KindConflict:
		status = http.StatusConflict
	case common.KindDelegateFailure:
		status = http.StatusBadGateway
	}
	return c.JSON(status, errorResponse{
		Error:      err.Error(),
		Kind:       string(common.KindOf(err)),
		InstanceID: instanceID,
	})
}
