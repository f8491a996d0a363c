package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/darianrosebrook/agent-agency/pkg/errdefs"
	"github.com/darianrosebrook/agent-agency/pkg/log"
	"github.com/darianrosebrook/agent-agency/pkg/metrics"
	"github.com/darianrosebrook/agent-agency/pkg/runtime"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

// Server is the HTTP control surface over a running runtime
type Server struct {
	runtime  *runtime.Runtime
	engine   *gin.Engine
	http     *http.Server
	logger   zerolog.Logger
	shutdown func()
}

// NewServer builds the API over the runtime. The shutdown callback fires
// when a client requests process shutdown; it must not block.
func NewServer(rt *runtime.Runtime, shutdown func()) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		runtime:  rt,
		engine:   engine,
		logger:   log.WithComponent("api"),
		shutdown: shutdown,
	}

	engine.Use(gin.Recovery(), s.observe())

	engine.GET("/health", gin.WrapF(metrics.HealthHandler()))
	engine.GET("/ready", gin.WrapF(metrics.ReadyHandler()))
	engine.GET("/live", gin.WrapF(metrics.LivenessHandler()))
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := engine.Group("/v1")
	{
		v1.GET("/status", s.status)
		v1.POST("/shutdown", s.requestShutdown)

		v1.POST("/tasks", s.submitTask)
		v1.GET("/tasks/:id", s.getTask)
		v1.GET("/tasks/:id/wait", s.waitTask)
		v1.POST("/tasks/:id/cancel", s.cancelTask)

		v1.GET("/agents", s.listAgents)
		v1.POST("/agents", s.registerAgent)
		v1.GET("/agents/:id", s.getAgent)
		v1.DELETE("/agents/:id", s.unregisterAgent)

		v1.GET("/verdicts/:id", s.getVerdict)
		v1.POST("/verdicts/:id/replay", s.replayVerdict)
	}

	return s
}

// Handler exposes the route tree, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves on addr until Stop
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 65 * time.Second,
	}
	metrics.RegisterComponent("api", true, "")
	s.logger.Info().Str("addr", addr).Msg("api listening")

	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the listener down, letting in-flight requests finish
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// observe is the request logging and metrics middleware
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := metrics.NewTimer()
		c.Next()

		status := c.Writer.Status()
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, c.Request.Method)

		event := s.logger.Info()
		if status >= 500 {
			event = s.logger.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("took", timer.Duration()).
			Msg("request")
	}
}

// StatusResponse is the /v1/status payload
type StatusResponse struct {
	Uptime     string                  `json:"uptime"`
	QueueDepth int                     `json:"queue_depth"`
	InFlight   int                     `json:"in_flight"`
	Workers    int                     `json:"workers"`
	Tasks      map[types.TaskState]int `json:"tasks"`
	Agents     int                     `json:"agents"`
}

func (s *Server) status(c *gin.Context) {
	orc := s.runtime.Orchestrator.Status()
	reg := s.runtime.Registry.Stats()
	c.JSON(http.StatusOK, &StatusResponse{
		Uptime:     orc.Uptime.Round(time.Second).String(),
		QueueDepth: orc.QueueDepth,
		InFlight:   orc.InFlight,
		Workers:    orc.Workers,
		Tasks:      orc.ByState,
		Agents:     reg.Total,
	})
}

func (s *Server) requestShutdown(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"status": "shutting down"})
	if s.shutdown != nil {
		go s.shutdown()
	}
}

func (s *Server) submitTask(c *gin.Context) {
	var req types.TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := s.runtime.Orchestrator.Submit(c.Request.Context(), &req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, task)
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.runtime.Orchestrator.GetSnapshot(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// waitTask blocks until the task goes terminal or the timeout elapses
func (s *Server) waitTask(c *gin.Context) {
	timeout := time.Minute
	if ms, err := strconv.ParseInt(c.Query("timeout_ms"), 10, 64); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	task, err := s.runtime.Orchestrator.WaitForCompletion(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) cancelTask(c *gin.Context) {
	if err := s.runtime.Orchestrator.Cancel(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancel requested"})
}

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, s.runtime.Registry.List())
}

func (s *Server) registerAgent(c *gin.Context) {
	var profile types.AgentProfile
	if err := c.ShouldBindJSON(&profile); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	registered, err := s.runtime.Registry.Register(&profile)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, registered)
}

func (s *Server) getAgent(c *gin.Context) {
	profile, err := s.runtime.Registry.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (s *Server) unregisterAgent(c *gin.Context) {
	if !s.runtime.Registry.Unregister(c.Param("id")) {
		s.fail(c, errdefs.E(errdefs.KindNotFound, "agent not registered").WithRef(c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unregistered"})
}

func (s *Server) getVerdict(c *gin.Context) {
	verdict, err := s.runtime.Store.GetVerdict(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, verdict)
}

func (s *Server) replayVerdict(c *gin.Context) {
	result, err := s.runtime.Validator.Replay(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// fail translates an error kind into an HTTP status
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errdefs.GetKind(err) {
	case errdefs.KindInvalidInput:
		status = http.StatusBadRequest
	case errdefs.KindNotFound:
		status = http.StatusNotFound
	case errdefs.KindConflict, errdefs.KindAgentExists:
		status = http.StatusConflict
	case errdefs.KindQueueFull, errdefs.KindRegistryFull:
		status = http.StatusTooManyRequests
	case errdefs.KindNoEligibleAgents:
		status = http.StatusUnprocessableEntity
	case errdefs.KindTimeout:
		status = http.StatusGatewayTimeout
	case errdefs.KindUnauthorized:
		status = http.StatusUnauthorized
	case errdefs.KindForbidden:
		status = http.StatusForbidden
	case errdefs.KindServiceUnavailable:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  string(errdefs.GetKind(err)),
	})
}
