// Package metrics holds the Prometheus collectors of the stream processor.
package metrics

import (
	"cmp"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	RecordsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stationstream_records_consumed_total",
			Help: "Total number of records dispatched by topic",
		},
		[]string{"topic"},
	)

	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stationstream_decode_errors_total",
			Help: "Total number of malformed records dropped by topic",
		},
		[]string{"topic"},
	)

	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stationstream_poll_errors_total",
			Help: "Total number of broker errors returned by polls by topic",
		},
		[]string{"topic"},
	)

	RecordsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stationstream_records_published_total",
			Help: "Total number of records published by topic",
		},
		[]string{"topic"},
	)

	TableUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stationstream_table_upserts_total",
			Help: "Total number of upserts applied by table",
		},
		[]string{"table"},
	)

	ChangelogErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stationstream_changelog_errors_total",
			Help: "Total number of failed changelog writes by table",
		},
		[]string{"table"},
	)

	TableEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stationstream_table_entries",
			Help: "Number of keys held by table",
		},
		[]string{"table"},
	)

	RecoveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stationstream_recovery_duration_seconds",
			Help:    "Duration of table recovery from the changelog",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stationstream_dispatch_duration_seconds",
			Help:    "Duration of dispatching one record through a stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)
)

type PromServerOpts struct {
	Addr              string
	Path              string        // defaults to "/metrics"
	ShutdownTimeout   time.Duration // defaults to 5 seconds
	ReadHeaderTimeout time.Duration // defaults to 3 seconds
	Logger            *zap.Logger
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer serves the default registry until ctx is canceled.
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
		effectiveOpts.Logger = opts.Logger
	}
	logger := effectiveOpts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting metrics server", zap.String("addr", effectiveOpts.Addr))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("metrics server shutdown timed out")
		}
	}()
}
