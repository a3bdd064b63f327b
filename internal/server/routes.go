package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/dicomctl/internal/auth"
	"github.com/danmuck/dicomctl/internal/config"
	"github.com/danmuck/dicomctl/internal/history"
	"github.com/danmuck/dicomctl/internal/scan"
	"github.com/danmuck/dicomctl/internal/send"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.appeared).String(),
			"component": "sendd",
			"version":   Version,
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/", auth.Middleware(s.cfg.Auth))
	api.GET("/destinations", s.listDestinations)
	api.POST("/jobs", s.submitJob)
	api.GET("/jobs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"jobs": s.jobs.List()})
	})
	api.GET("/jobs/:id", s.getJob)
	api.DELETE("/jobs/:id", s.cancelJob)
	api.GET("/jobs/:id/events", s.streamEvents)
	api.GET("/history", s.listHistory)
	api.GET("/history/:id", s.getHistory)
}

func (s *Server) listDestinations(c *gin.Context) {
	cat := s.jobs.Catalog()
	out := make([]gin.H, 0, len(cat.Destinations))
	for _, name := range cat.Names() {
		t, err := cat.Resolve(name)
		if err != nil {
			continue
		}
		out = append(out, gin.H{
			"name":    t.Name,
			"peer":    t.Peer,
			"tls":     t.Session.TLS.Enabled,
			"default": name == cat.Default,
		})
	}
	c.JSON(http.StatusOK, gin.H{"destinations": out})
}

func (s *Server) submitJob(c *gin.Context) {
	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	view, err := s.jobs.Submit(req)
	if err != nil {
		c.JSON(submitStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, view)
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, config.ErrUnknownDestination):
		return http.StatusNotFound
	case errors.Is(err, ErrNoDestination),
		errors.Is(err, send.ErrNoFiles),
		errors.Is(err, send.ErrPeerRequired),
		errors.Is(err, scan.ErrNotDICOM):
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) getJob(c *gin.Context) {
	view, err := s.jobs.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) cancelJob(c *gin.Context) {
	if err := s.jobs.Cancel(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (s *Server) listHistory(c *gin.Context) {
	if s.cfg.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history disabled"})
		return
	}
	format, err := history.ParseFormat(c.Query("format"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f := history.Filter{
		Destination:  c.Query("destination"),
		FailedOnly:   c.Query("failed") == "true",
		WithOutcomes: format == history.FormatCSV || c.Query("outcomes") == "true",
	}
	if v := c.Query("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
	}
	if v := c.Query("since"); v != "" {
		if f.Since, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
	}
	jobs, err := s.cfg.History.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Type", format.ContentType())
	if format == history.FormatCSV {
		c.Header("Content-Disposition", `attachment; filename="send-history.csv"`)
	}
	c.Status(http.StatusOK)
	if err := history.Export(c.Writer, format, jobs); err != nil {
		_ = c.Error(err)
	}
}

func (s *Server) getHistory(c *gin.Context) {
	if s.cfg.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history disabled"})
		return
	}
	rec, err := s.cfg.History.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, history.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}
