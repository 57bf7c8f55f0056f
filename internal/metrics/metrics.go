// Package metrics provides Prometheus metrics for monitoring acquisition
// runs.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts coordinated requests by outcome.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_requests_total",
			Help: "Total URL acquisitions by outcome",
		},
		[]string{"outcome"},
	)

	// RequestAttempts tracks HTTP attempts consumed per acquired URL.
	RequestAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_request_attempts",
			Help:    "HTTP attempts per successfully acquired URL",
			Buckets: prometheus.LinearBuckets(1, 1, 8),
		},
	)

	// RequestDuration tracks end-to-end acquisition duration.
	RequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_request_duration_seconds",
			Help:    "End-to-end acquisition duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
		},
	)

	// ProxyPoolSize shows the current proxy pool size.
	ProxyPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_proxy_pool_size",
			Help: "Proxies currently in the pool",
		},
	)

	// ProxyPoolHealthy shows proxies currently considered healthy.
	ProxyPoolHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_proxy_pool_healthy",
			Help: "Healthy proxies in the pool",
		},
	)

	// ProxiesBurned counts proxies burned by reason.
	ProxiesBurned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_proxies_burned_total",
			Help: "Proxies burned by reason",
		},
		[]string{"reason"},
	)

	// BreakerState shows each domain circuit position (0 closed, 1 open,
	// 2 half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvester_domain_breaker_state",
			Help: "Domain circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"domain"},
	)

	// BlocksDetected counts validation blocks by type.
	BlocksDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_blocks_detected_total",
			Help: "Blocked responses by block type",
		},
		[]string{"type"},
	)

	// CaptchasSolved counts CAPTCHA solves by type.
	CaptchasSolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_captchas_solved_total",
			Help: "CAPTCHAs solved by type",
		},
		[]string{"type"},
	)

	// CaptchaSpend shows today's CAPTCHA solving spend.
	CaptchaSpend = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_captcha_daily_spend",
			Help: "CAPTCHA solving spend today in currency units",
		},
	)

	// SolverEscalations counts challenge-solver escalations by result.
	SolverEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_solver_escalations_total",
			Help: "Challenge solver escalations by result",
		},
		[]string{"result"},
	)

	// ExportProgress shows the fraction of URLs processed this run.
	ExportProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_export_progress_ratio",
			Help: "Fraction of URLs processed in the current run",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvester_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestAttempts,
		RequestDuration,
		ProxyPoolSize,
		ProxyPoolHealthy,
		ProxiesBurned,
		BreakerState,
		BlocksDetected,
		CaptchasSolved,
		CaptchaSpend,
		SolverEscalations,
		ExportProgress,
		MemoryUsageBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// RecordRequest records one finished acquisition.
func RecordRequest(outcome string, attempts int, duration time.Duration) {
	RequestsTotal.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		RequestAttempts.Observe(float64(attempts))
	}
	RequestDuration.Observe(duration.Seconds())
}

// UpdatePoolMetrics updates proxy pool gauges.
func UpdatePoolMetrics(size, healthy int) {
	ProxyPoolSize.Set(float64(size))
	ProxyPoolHealthy.Set(float64(healthy))
}

// StartRuntimeCollector periodically updates process-level metrics until
// stopCh closes.
func StartRuntimeCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateRuntimeMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateRuntimeMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	MemoryUsageBytes.Set(float64(m.Alloc))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}
