// Package api exposes the Execution Orchestrator over REST, standing in
// for the spec's gRPC framing — the original's own grpc.rs is itself a
// stub with no real wire codec, so a gin handler calling straight into
// the orchestrator is equally faithful to what's actually specified.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmesh/sandboxd/internal/orchestrator"
	"github.com/agentmesh/sandboxd/pkg/observability"
)

// Server is the main-listener REST surface: /v1/execute, /v1/executions/:id,
// /v1/metrics, /health.
type Server struct {
	router       *gin.Engine
	httpServer   *http.Server
	orchestrator *orchestrator.Orchestrator
	logger       observability.Logger
	metrics      observability.MetricsClient
	stats        *stats
}

// NewServer builds the gin router and wires its routes against an
// already-constructed Orchestrator.
func NewServer(addr string, orch *orchestrator.Orchestrator, logger observability.Logger, metrics observability.MetricsClient) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	s := &Server{
		router:       router,
		orchestrator: orch,
		logger:       logger,
		metrics:      metrics,
		stats:        &stats{},
	}

	router.GET("/health", s.handleHealth)
	v1 := router.Group("/v1")
	{
		v1.POST("/execute", s.handleExecuteCode)
		v1.GET("/executions/:id", s.handleGetStatus)
		v1.GET("/metrics", s.handleGetMetrics)
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return s
}

// ListenAndServe blocks serving the main REST listener.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the main listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestLogger mirrors the teacher's RequestLogger middleware shape
// (pkg/api/middleware.go), routed through the ambient Logger instead of
// the standard log package.
func requestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		if logger == nil {
			return
		}
		logger.Info("api request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     path,
			"status":   c.Writer.Status(),
			"latency":  time.Since(start).String(),
			"clientip": c.ClientIP(),
		})
	}
}

// MetricsServer serves GET /metrics (Prometheus text format) on its own
// listener, matching SANDBOX's METRICS_ADDR separation from the main
// REST port. It also owns the background sampler that keeps
// system_memory_usage_bytes and system_cpu_usage_percent current.
type MetricsServer struct {
	httpServer *http.Server
	sampler    *systemSampler
}

// NewMetricsServer builds a metrics-only HTTP server bound to addr and
// starts its host-resource sampler.
func NewMetricsServer(addr string, metrics observability.MetricsClient, logger observability.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	sampler := newSystemSampler(metrics, logger)
	sampler.start()

	return &MetricsServer{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		sampler: sampler,
	}
}

// ListenAndServe blocks serving the metrics listener.
func (m *MetricsServer) ListenAndServe() error {
	return m.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the metrics listener and its sampler.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	m.sampler.Stop()
	return m.httpServer.Shutdown(ctx)
}
