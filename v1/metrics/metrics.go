package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks granted lock acquisitions.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notelock_acquire_total",
		Help: "Total number of granted lock acquisitions",
	}, []string{"backend"})
	// ReleaseCounter tracks releases of held locks.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notelock_release_total",
		Help: "Total number of lock releases",
	}, []string{"backend"})
	// ViolationCounter tracks releases of keys that were not held.
	ViolationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notelock_release_violation_total",
		Help: "Total number of releases for keys with no outstanding lock",
	}, []string{"backend"})
	// HeldGauge reports the number of currently held keys.
	HeldGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "notelock_held",
		Help: "Current number of held locks",
	}, []string{"backend"})
	// WaitersGauge reports the number of goroutines queued for a key.
	WaitersGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "notelock_waiters",
		Help: "Current number of queued acquisitions",
	}, []string{"backend"})
	// WaitHistogram observes how long granted acquisitions waited.
	WaitHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "notelock_acquire_wait_seconds",
		Help:    "Time spent waiting for a lock to be granted",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"backend"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock collectors on the provided registry.
// Registering twice on the same registry panics.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, ViolationCounter, HeldGauge, WaitersGauge, WaitHistogram)
}
