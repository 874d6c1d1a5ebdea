// Package server exposes job submission, status, reports and operational
// endpoints over HTTP.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/TobiSchelling/GapFinder/internal/jobs"
	"github.com/TobiSchelling/GapFinder/internal/logger"
	"github.com/TobiSchelling/GapFinder/internal/metrics"
	"github.com/TobiSchelling/GapFinder/internal/report"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	shutdownTimeout = 10 * time.Second
	corsMaxAge      = 12 * time.Hour
)

// Options configures a Server.
type Options struct {
	// CORSOrigins lists browser origins allowed to call the API. Empty
	// disables CORS handling.
	CORSOrigins []string
}

// Service is the job API the server fronts. *jobs.Orchestrator implements it.
type Service interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.AnalysisJob, bool, error)
	Status(ctx context.Context, key string) (*jobs.AnalysisJob, error)
	Report(ctx context.Context, key string) (*report.Report, error)
	Requeue(ctx context.Context, key string) (*jobs.AnalysisJob, error)
	List(ctx context.Context, limit int) ([]*jobs.AnalysisJob, error)
}

var _ Service = (*jobs.Orchestrator)(nil)

// Server is the HTTP server for the job API and report pages.
type Server struct {
	svc     Service
	metrics *metrics.Metrics
	log     logger.Logger
	pages   map[string]*template.Template
	engine  *gin.Engine
}

// New creates a new Server. m may be nil, in which case /metrics is not
// registered.
func New(svc Service, m *metrics.Metrics, opts Options, log logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.NewNop()
	}

	funcMap := template.FuncMap{
		"since": func(t time.Time) string {
			return time.Since(t).Round(time.Second).String()
		},
	}

	// Parse base template first
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of base so {{define "content"}} does not collide.
	pageNames := []string{"index.html", "job.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{svc: svc, metrics: m, log: log, pages: pages}
	s.engine = gin.New()
	if len(opts.CORSOrigins) > 0 {
		s.engine.Use(cors.New(cors.Config{
			AllowOrigins:  opts.CORSOrigins,
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        corsMaxAge,
		}))
	}
	s.engine.Use(gin.Recovery(), requestLogger(log))
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	s.engine.GET("/", s.handleIndex)
	s.engine.GET("/jobs/:key", s.handleJobPage)

	v1 := s.engine.Group("/api/v1")
	v1.POST("/jobs", s.handleSubmit)
	v1.GET("/jobs", s.handleList)
	v1.GET("/jobs/:key", s.handleStatus)
	v1.GET("/jobs/:key/report", s.handleReport)
	v1.POST("/jobs/:key/requeue", s.handleRequeue)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleIndex(c *gin.Context) {
	list, err := s.svc.List(c.Request.Context(), 50)
	if err != nil {
		c.Error(err)
		c.String(http.StatusInternalServerError, "Internal server error")
		return
	}
	s.render(c, http.StatusOK, "index.html", map[string]any{"Jobs": list})
}

func (s *Server) handleJobPage(c *gin.Context) {
	key := c.Param("key")
	job, err := s.svc.Status(c.Request.Context(), key)
	if errors.Is(err, jobs.ErrNotFound) {
		s.render(c, http.StatusNotFound, "job.html", map[string]any{"Key": key})
		return
	}
	if err != nil {
		c.Error(err)
		c.String(http.StatusInternalServerError, "Internal server error")
		return
	}

	data := map[string]any{"Key": key, "Job": job}
	if job.Phase == jobs.PhaseCompleted && job.Result != nil {
		html, err := report.HTML(job.Result)
		if err != nil {
			c.Error(err)
		} else {
			data["Report"] = template.HTML(html) //nolint: gosec
		}
	}
	s.render(c, http.StatusOK, "job.html", data)
}

func (s *Server) render(c *gin.Context, code int, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.log.Error("template not found", logger.String("template", name))
		c.String(http.StatusInternalServerError, "Internal server error")
		return
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(code)
	if err := tmpl.ExecuteTemplate(c.Writer, "base.html", data); err != nil {
		s.log.Error("rendering template", logger.String("template", name), logger.Error(err))
	}
}

// Serve listens on host:port until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", logger.String("addr", "http://"+addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
