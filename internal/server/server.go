// Package server exposes the question package server over HTTP: package
// listing and retrieval, operation execution through the worker pool, the
// LMS upload path, status and metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glorpus-work/qpserver/internal/logger"
	"github.com/glorpus-work/qpserver/pkg/cache"
	"github.com/glorpus-work/qpserver/pkg/collector"
	"github.com/glorpus-work/qpserver/pkg/config"
	"github.com/glorpus-work/qpserver/pkg/errors"
	"github.com/glorpus-work/qpserver/pkg/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP façade over the collector, caches and worker pool.
type Server struct {
	cfg        *config.Config
	collection *collector.Collection
	pool       *worker.Pool
	packages   *cache.FileLRU
	indexes    *cache.FileLRU

	engine     *gin.Engine
	httpServer *http.Server
}

// New assembles the server. The components are owned by the caller; the
// server only serves them.
func New(cfg *config.Config, collection *collector.Collection, pool *worker.Pool, packages, indexes *cache.FileLRU) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		cfg:        cfg,
		collection: collection,
		pool:       pool,
		packages:   packages,
		indexes:    indexes,
		engine:     engine,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/status", s.handleStatus)

	registry := prometheus.NewRegistry()
	registry.MustRegister(newStatsCollector(s.pool, s.packages, s.indexes))
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	api := s.engine.Group("/packages")
	if token := s.cfg.Webservice.BearerToken; token != "" {
		api.Use(bearerAuth(token))
	}
	api.GET("", s.handleListPackages)
	api.POST("", s.handleUpload)
	api.GET("/:hash", s.handleGetPackage)
	api.GET("/:hash/file", s.handleGetPackageFile)
	api.POST("/:hash/:operation", s.handleCall)
}

// Handler returns the HTTP handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving on the configured listen address. It returns once the
// listener is running; serve errors other than a clean shutdown are fatal
// and reported on the returned channel.
func (s *Server) Start() <-chan error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Webservice.ListenAddress,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", logger.Fields{"address": s.cfg.Webservice.ListenAddress})
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops the HTTP server, waiting for in-flight requests until ctx
// ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// statusFor maps component errors onto HTTP status codes per the error
// taxonomy: busy pool is retryable, missing packages are 404, upstream
// repository failures are 502, everything else is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrPackageNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrPackageTooLarge), errors.Is(err, errors.ErrItemTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errors.ErrInvalidManifest):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrDownloadFailed):
		return http.StatusBadGateway
	case errors.Is(err, errors.ErrCallTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, errors.ErrWorkerCrashed), errors.Is(err, errors.ErrResourceLimit):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}
