package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusFunc reports the live session state for /healthz.
type StatusFunc func() string

func NewRouter(logger zerolog.Logger, status StatusFunc) *gin.Engine {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger), RequestMetricsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		state := "unknown"
		if status != nil {
			state = status()
		}
		code := http.StatusOK
		if state != "authenticated" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": state})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// Serve runs the metrics endpoint until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger, status StatusFunc) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(logger, status),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
