package docmcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkt.systems/pslog"
)

// Telemetry aggregates the Prometheus collectors shared by the gateway,
// the token manager, the credential cache, and the session registry.
type Telemetry struct {
	Registry *prometheus.Registry

	// TokenFetches counts vendor token-endpoint round-trips by credential
	// kind ("tenant", "user", "refresh") and outcome ("ok", "error").
	TokenFetches *prometheus.CounterVec
	// CacheHits and CacheMisses track credential cache effectiveness.
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	// ActiveSessions gauges live streaming sessions.
	ActiveSessions prometheus.Gauge
	// BatchesDispatched counts remote insert calls issued by the orchestrator.
	BatchesDispatched prometheus.Counter
	// BlocksInserted counts blocks the vendor confirmed created.
	BlocksInserted prometheus.Counter
	// APIRetries counts silent 401-triggered gateway retries.
	APIRetries prometheus.Counter

	server *http.Server
	ln     net.Listener
	logger pslog.Logger
}

// NewTelemetry constructs and registers the docmcp collector set.
func NewTelemetry() *Telemetry {
	reg := prometheus.NewRegistry()
	t := &Telemetry{
		Registry: reg,
		TokenFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docmcp",
			Name:      "token_fetches_total",
			Help:      "Vendor token endpoint round-trips by kind and outcome.",
		}, []string{"kind", "outcome"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docmcp",
			Name:      "credential_cache_hits_total",
			Help:      "Credential cache lookups served without a network fetch.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docmcp",
			Name:      "credential_cache_misses_total",
			Help:      "Credential cache lookups that missed or had expired.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docmcp",
			Name:      "sessions_active",
			Help:      "Live streaming MCP sessions.",
		}),
		BatchesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docmcp",
			Name:      "insert_batches_total",
			Help:      "Remote block-insert calls dispatched by the orchestrator.",
		}),
		BlocksInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docmcp",
			Name:      "blocks_inserted_total",
			Help:      "Blocks confirmed created by the vendor.",
		}),
		APIRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docmcp",
			Name:      "api_auth_retries_total",
			Help:      "Gateway calls retried once after a stale tenant token.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		t.TokenFetches,
		t.CacheHits,
		t.CacheMisses,
		t.ActiveSessions,
		t.BatchesDispatched,
		t.BlocksInserted,
		t.APIRetries,
	)
	return t
}

// Serve starts the Prometheus scrape endpoint on listen. Empty listen is a
// no-op so callers can pass the config value straight through.
func (t *Telemetry) Serve(listen string, logger pslog.Logger) error {
	listen = strings.TrimSpace(listen)
	if listen == "" {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	t.logger = logger

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", listen, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(t.Registry, promhttp.HandlerOpts{}))
	t.ln = ln
	t.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("telemetry.metrics.serve_failed", "listen", listen, "error", err)
		}
	}()
	logger.Info("telemetry.metrics.listening", "listen", ln.Addr().String())
	return nil
}

// Shutdown stops the metrics endpoint if it was started.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	if err := t.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if t.logger != nil {
			t.logger.Warn("telemetry.shutdown.metrics_server_failure", "error", err)
		}
		return err
	}
	if t.ln != nil {
		_ = t.ln.Close()
	}
	return nil
}
