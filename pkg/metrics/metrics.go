package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry       *prometheus.Registry
	registryOnce   sync.Once
	metricsEnabled = false

	// SIP metrics
	SIPMessagesTotal  *prometheus.CounterVec
	SIPResponsesTotal *prometheus.CounterVec
	ActiveCalls       prometheus.Gauge
	CallDuration      prometheus.Histogram

	// Registrar metrics
	RegistrationsActive prometheus.Gauge

	// Media relay metrics
	RelaySessionsActive prometheus.Gauge
	RelayBytesForwarded *prometheus.CounterVec

	// Provisioning metrics
	ProvisioningRequestsTotal *prometheus.CounterVec
)

// Init builds and registers all collectors. Idempotent.
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		SIPMessagesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sigbridge_sip_messages_total",
				Help: "Total number of SIP messages processed",
			},
			[]string{"method", "direction"},
		)

		SIPResponsesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sigbridge_sip_responses_total",
				Help: "Total number of SIP responses sent, by status code",
			},
			[]string{"code"},
		)

		ActiveCalls = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sigbridge_active_calls",
				Help: "Number of calls currently tracked by the routing engine",
			},
		)

		CallDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sigbridge_call_duration_seconds",
				Help:    "Observed lifetime of terminated calls",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		)

		RegistrationsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sigbridge_registrations_active",
				Help: "Number of live address-of-record bindings",
			},
		)

		RelaySessionsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sigbridge_relay_sessions_active",
				Help: "Number of live media relay sessions",
			},
		)

		RelayBytesForwarded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sigbridge_relay_bytes_forwarded_total",
				Help: "Bytes forwarded by the media relay, per direction",
			},
			[]string{"direction"},
		)

		ProvisioningRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sigbridge_provisioning_requests_total",
				Help: "Provisioning requests handled, by outcome",
			},
			[]string{"outcome"},
		)

		registry.MustRegister(
			SIPMessagesTotal,
			SIPResponsesTotal,
			ActiveCalls,
			CallDuration,
			RegistrationsActive,
			RelaySessionsActive,
			RelayBytesForwarded,
			ProvisioningRequestsTotal,
		)

		metricsEnabled = true
		logger.Debug("Prometheus metrics initialized")
	})
}

// IsMetricsEnabled reports whether Init has run
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// StartServer exposes /metrics on addr. Errors are logged, never fatal.
func StartServer(logger *logrus.Logger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.WithField("addr", addr).Info("Metrics server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()
	return srv
}
