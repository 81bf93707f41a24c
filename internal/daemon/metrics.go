package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer exposes Prometheus metrics and a health check over HTTP.
// It only runs when metrics_addr is configured.
type MetricsServer struct {
	srv    *http.Server
	logger *zap.Logger
}

func provideMetrics(cfg *config.Config, runner *intsync.Runner, logger *zap.Logger) *MetricsServer {
	if cfg.MetricsAddr == "" {
		return nil
	}
	return NewMetricsServer(cfg.MetricsAddr, runner, logger)
}

func NewMetricsServer(addr string, runner *intsync.Runner, logger *zap.Logger) *MetricsServer {
	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           metricsRouter(runner),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.Named("metrics"),
	}
}

type stateReporter interface {
	State() status.State
}

func metricsRouter(runner stateReporter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(runner.State()))
	})
	return r
}

// Start serves until Stop. Blocks.
func (m *MetricsServer) Start() error {
	m.logger.Info("metrics server starting", zap.String("addr", m.srv.Addr))
	if err := m.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *MetricsServer) Stop(ctx context.Context) {
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Warn("metrics shutdown", zap.Error(err))
	}
}
