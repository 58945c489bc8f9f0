package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	coreerrors "github.com/pressurenet/readings-aggregator/internal/core/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthTimeout = 2 * time.Second

type Server struct {
	Engine *gin.Engine
	Addr   string
	checks []HealthChecker
}

// HealthChecker is an interface for components that can report their health status.
type HealthChecker interface {
	Name() string
	Ping(ctx context.Context) error
}

// New builds the health and metrics server. The checker named "queue" reports
// a stalled drain loop; any other failing checker is a dependency outage.
func New(addr string, mode string, checks ...HealthChecker) *Server {
	if mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		Engine: r,
		Addr:   addr,
		checks: checks,
	}

	r.GET("/health", s.healthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return s
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status := make(map[string]string, len(s.checks))
	var failed []string
	errorType := coreerrors.HttpDrainStalledError
	for _, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			slog.Error("[Server] Health check failed", "check", check.Name(), "error", err)
			status[check.Name()] = err.Error()
			failed = append(failed, check.Name())
			if check.Name() != "queue" {
				errorType = coreerrors.HttpDependencyError
			}
			continue
		}
		status[check.Name()] = "ok"
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, coreerrors.ErrorResponse{
			ErrorType: errorType,
			Message:   "unhealthy: " + strings.Join(failed, ", "),
			Details:   status,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"checks": status,
	})
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("[Server] Starting HTTP server", "address", s.Addr)

	go func() {
		<-ctx.Done()
		slog.Info("[Server] Stopping HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("[Server] HTTP server forced to shutdown", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
