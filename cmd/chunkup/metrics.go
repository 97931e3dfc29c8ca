package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsServer exposes a registry on /metrics while the upload runs.
type metricsServer struct {
	srv      *http.Server
	listener net.Listener
	logger   log.Logger
}

func newMetricsRouter(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return r
}

func serveMetrics(addr string, reg *prometheus.Registry, logger log.Logger) (*metricsServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	m := &metricsServer{
		srv: &http.Server{
			Handler:           newMetricsRouter(reg),
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
		logger:   logger,
	}
	go func() {
		if err := m.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnf("Metrics server stopped: %s", err)
		}
	}()
	logger.Infof("Serving metrics on http://%s/metrics", listener.Addr())

	return m, nil
}

func (m *metricsServer) Addr() string {
	return m.listener.Addr().String()
}

func (m *metricsServer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Warnf("Failed to stop metrics server: %s", err)
	}
}
