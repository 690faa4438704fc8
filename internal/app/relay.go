package app

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/goopcall/internal/metrics"
	"github.com/petervdpas/goopcall/internal/signal"
)

// RunRelay runs a standalone signaling relay on addr until ctx is done.
func RunRelay(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	srv := signal.NewRelayServer()
	metrics.RegisterRelay(reg, srv)
	go srv.Run(ctx)
	return serveRelay(ctx, ln, srv, reg)
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
