// Package api serves the operator HTTP surface: health, status, metrics and
// mode control.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"copy-mirror/internal/execution"
	"copy-mirror/internal/logging"
	"copy-mirror/internal/pipeline"
)

const shutdownTimeout = 5 * time.Second

// Operator is the control surface of a running mirror. *pipeline.Pipeline implements it.
type Operator interface {
	Status(ctx context.Context) (pipeline.Status, error)
	Resume(ctx context.Context) error
	EnterLive(confirmation string) error
	ExitLive() error
}

// Options configures a Server.
type Options struct {
	Addr     string
	Operator Operator
	// Metrics serves /metrics. Nil leaves the route unregistered.
	Metrics http.Handler
	// Ready reports whether dependencies are reachable. Nil is always ready.
	Ready  func(ctx context.Context) error
	Logger logrus.FieldLogger
}

// Server is the operator HTTP server.
type Server struct {
	engine *gin.Engine
	srv    *http.Server
	logger logrus.FieldLogger
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	logger := logging.OrDiscard(opts.Logger).WithField("component", "api")

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	h := &handler{op: opts.Operator, ready: opts.Ready}
	r.GET("/health", h.health)
	r.GET("/ready", h.readiness)
	r.GET("/status", h.status)
	r.POST("/resume", h.resume)
	live := r.Group("/live")
	live.POST("/confirm", h.enterLive)
	live.POST("/exit", h.exitLive)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	return &Server{
		engine: r,
		srv:    &http.Server{Addr: opts.Addr, Handler: r, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.srv.Addr).Info("http server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("http request")
	}
}

type handler struct {
	op    Operator
	ready func(ctx context.Context) error
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) readiness(c *gin.Context) {
	if h.ready != nil {
		if err := h.ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *handler) status(c *gin.Context) {
	st, err := h.op.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handler) resume(c *gin.Context) {
	if err := h.op.Resume(c.Request.Context()); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	h.status(c)
}

type confirmRequest struct {
	Confirmation string `json:"confirmation" binding:"required"`
}

func (h *handler) enterLive(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.op.EnterLive(req.Confirmation); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	h.status(c)
}

func (h *handler) exitLive(c *gin.Context) {
	if err := h.op.ExitLive(); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	h.status(c)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, execution.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, execution.ErrLiveNotEnabled), errors.Is(err, execution.ErrNotConfirmed):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}
