// Package api serves the run store over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Promptonauts/fleetci/pkg/models"
	"github.com/Promptonauts/fleetci/pkg/observability"
	"github.com/Promptonauts/fleetci/pkg/store"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	maxListLimit        = 500
	defaultPollInterval = time.Second
)

type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	return nil
}

type Server struct {
	Store   store.Store
	Metrics *observability.MetricsRegistry
	Logger  logrus.FieldLogger
	// PollInterval is how often an event stream re-reads the run, so
	// writes made by another process sharing the store still reach it.
	PollInterval time.Duration
}

// unwatcher is implemented by stores that can release a watch channel.
type unwatcher interface {
	Unwatch(ch <-chan store.RunEvent)
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.healthz)
	if s.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}

	runs := r.Group("/runs")
	runs.GET("", s.listRuns)
	runs.GET("/:id", s.getRun)
	runs.GET("/:id/results", s.listResults)
	runs.GET("/:id/uploads", s.listUploads)
	runs.GET("/:id/logs", s.getLogs)
	runs.GET("/:id/manifest", s.getManifest)
	runs.GET("/:id/delivery", s.getDelivery)
	runs.GET("/:id/events", s.streamEvents)
	return r
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger().WithField("addr", cfg.Addr).Info("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"service": "fleetci", "status": "ok"})
}

func (s *Server) listRuns(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	runs, err := s.Store.ListRuns(c.Query("branch"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if runs == nil {
		runs = []*models.RunRecord{}
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.Store.GetRun(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) listResults(c *gin.Context) {
	if !s.runExists(c) {
		return
	}
	results, err := s.Store.ListTaskResults(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if results == nil {
		results = []models.TaskResult{}
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) listUploads(c *gin.Context) {
	if !s.runExists(c) {
		return
	}
	reports, err := s.Store.ListUploadReports(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if reports == nil {
		reports = []models.UploadReport{}
	}
	c.JSON(http.StatusOK, reports)
}

func (s *Server) getLogs(c *gin.Context) {
	if !s.runExists(c) {
		return
	}
	logs, err := s.Store.GetRunLogs(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if logs == nil {
		logs = []models.RunLog{}
	}
	c.JSON(http.StatusOK, logs)
}

func (s *Server) getManifest(c *gin.Context) {
	m, err := s.Store.GetManifest(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) getDelivery(c *gin.Context) {
	ack, err := s.Store.GetDelivery(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

// streamEvents relays store events for one run as server-sent events until
// the run completes or the client goes away. Events come from the store's
// watch channel and from polling, de-duplicated by job and update time.
func (s *Server) streamEvents(c *gin.Context) {
	id := c.Param("id")
	events := s.Store.Watch()
	if u, ok := s.Store.(unwatcher); ok {
		defer u.Unwatch(events)
	}
	run, err := s.Store.GetRun(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	results, err := s.Store.ListTaskResults(id)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("run", run)
	if run.CompletedAt != nil {
		return
	}

	rs := &relayState{seen: map[string]bool{}, updated: run.UpdatedAt, status: run.Status}
	for _, r := range results {
		rs.seen[r.Job] = true
	}

	interval := s.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			if ev.RunID != id {
				return true
			}
			return rs.relay(c, ev)
		case <-ticker.C:
			return s.poll(c, id, rs)
		}
	})
}

// relayState remembers what a stream already sent.
type relayState struct {
	seen    map[string]bool
	updated time.Time
	status  models.RunStatus
}

// relay sends ev unless it repeats something already sent, and reports
// whether the stream should continue.
func (rs *relayState) relay(c *gin.Context, ev store.RunEvent) bool {
	switch ev.Type {
	case store.EventResult:
		if ev.Result == nil || rs.seen[ev.Result.Job] {
			return true
		}
		rs.seen[ev.Result.Job] = true
	case store.EventUpdated:
		if ev.Run == nil {
			return true
		}
		if ev.Run.UpdatedAt.Equal(rs.updated) && ev.Run.Status == rs.status && ev.Run.CompletedAt == nil {
			return true
		}
		rs.updated, rs.status = ev.Run.UpdatedAt, ev.Run.Status
	}
	c.SSEvent(string(ev.Type), ev)
	return ev.Type != store.EventUpdated || ev.Run.CompletedAt == nil
}

// poll reads the run before its results so a completion it observes
// never hides results saved ahead of it.
func (s *Server) poll(c *gin.Context, id string, rs *relayState) bool {
	run, err := s.Store.GetRun(id)
	if err != nil {
		s.logger().WithField("run", id).WithError(err).Warn("poll run")
		return true
	}
	results, err := s.Store.ListTaskResults(id)
	if err != nil {
		s.logger().WithField("run", id).WithError(err).Warn("poll results")
		return true
	}
	for i := range results {
		rs.relay(c, store.RunEvent{Type: store.EventResult, RunID: id, Result: &results[i]})
	}
	return rs.relay(c, store.RunEvent{Type: store.EventUpdated, RunID: id, Run: run})
}

func (s *Server) runExists(c *gin.Context) bool {
	if _, err := s.Store.GetRun(c.Param("id")); err != nil {
		s.fail(c, err)
		return false
	}
	return true
}

func (s *Server) fail(c *gin.Context, err error) {
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.logger().WithField("path", c.FullPath()).WithError(err).Error("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if s.Metrics != nil {
			s.Metrics.Counter("api_requests_total").Inc()
		}
		s.logger().WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Milliseconds(),
		}).Debug("request")
	}
}

func (s *Server) logger() logrus.FieldLogger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}
