// Package health exposes the liveness and metrics endpoints for the
// worker process.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dustsweep/sweeper/internal/metrics"
)

type Server struct {
	port int
	echo *echo.Echo
}

func New(port int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(metrics.HTTPMiddleware())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &Server{
		port: port,
		echo: e,
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, logger *logrus.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(fmt.Sprintf(":%d", s.port))
	}()

	logger.WithField("port", s.port).Info("health server started")

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.echo.Shutdown(context.Background())
	}
}
