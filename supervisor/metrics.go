package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics exposes the Supervisor's own restart/liveness bookkeeping to a
// local Prometheus scraper. This is independent of the portal heartbeat,
// which reports a different, portal-specific metrics shape over an
// authenticated HTTPS POST rather than a pull-based scrape; the two exist
// for different consumers (an on-site monitoring stack vs. the portal).
type metrics struct {
	restartsTotal *prometheus.CounterVec
	subsystemUp   *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		restartsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hercules_gateway_subsystem_restarts_total",
			Help: "Total restarts of a supervised subsystem after a transient failure.",
		}, []string{"subsystem"}),
		subsystemUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hercules_gateway_subsystem_up",
			Help: "1 if the supervised subsystem's loop is currently running, 0 otherwise.",
		}, []string{"subsystem"}),
	}
}

// serveMetrics starts the local /metrics endpoint in the background and
// returns the server so shutdown can close it. A listen failure is logged
// rather than fatal: metrics scraping is diagnostic, not load-bearing for
// the gateway's actual job.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	return srv
}

func stopMetricsServer(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
