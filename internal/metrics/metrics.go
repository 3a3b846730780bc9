// Package metrics exposes Prometheus collectors for the token authority.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	createOnce sync.Once

	tokensIssued       *prometheus.CounterVec
	tokensVerified     *prometheus.CounterVec
	rotationsTotal     *prometheus.CounterVec
	ringSize           prometheus.Gauge
	revocationsActive  prometheus.Gauge
	revocationsPruned  prometheus.Counter
	syncDeliveries     *prometheus.CounterVec
	storageErrors      *prometheus.CounterVec
	httpRequestsTotal  *prometheus.CounterVec
	httpRequestLatency *prometheus.HistogramVec
)

// Register creates the collectors on first use and registers them with reg
// (prometheus.DefaultRegisterer when nil). It returns the /metrics handler.
func Register(reg prometheus.Registerer) (http.Handler, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	createOnce.Do(func() {
		tokensIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_authority_tokens_issued_total",
			Help: "Tokens issued by type.",
		}, []string{"type"})
		tokensVerified = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_authority_tokens_verified_total",
			Help: "Token verifications by type and result.",
		}, []string{"type", "result"}) // result: valid|invalid|revoked
		rotationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_authority_key_rotations_total",
			Help: "Key ring mutations by trigger and result.",
		}, []string{"trigger", "result"})
		ringSize = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "token_authority_key_ring_size",
			Help: "Keys currently in the ring.",
		})
		revocationsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "token_authority_revocations_active",
			Help: "Entries in the revocation ledger.",
		})
		revocationsPruned = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "token_authority_revocations_pruned_total",
			Help: "Expired revocation entries pruned.",
		})
		syncDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_authority_sync_deliveries_total",
			Help: "Snapshot deliveries to registered clients by result.",
		}, []string{"result"})
		storageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_authority_storage_errors_total",
			Help: "Persistence failures by operation.",
		}, []string{"op"})
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_authority_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"})
		httpRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "token_authority_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"})
	})

	for _, c := range []prometheus.Collector{
		tokensIssued, tokensVerified, rotationsTotal, ringSize, revocationsActive,
		revocationsPruned, syncDeliveries, storageErrors, httpRequestsTotal, httpRequestLatency,
	} {
		if err := registerCollector(reg, c); err != nil {
			return nil, err
		}
	}
	if gatherer, ok := reg.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}), nil
	}
	return promhttp.Handler(), nil
}

func registerCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return nil
		}
		return err
	}
	return nil
}

// The Record functions are no-ops until Register has run.

func RecordIssued(tokenType string) {
	if tokensIssued != nil {
		tokensIssued.WithLabelValues(tokenType).Inc()
	}
}

func RecordVerified(tokenType, result string) {
	if tokensVerified != nil {
		tokensVerified.WithLabelValues(tokenType, result).Inc()
	}
}

func RecordRotation(trigger string, err error) {
	if rotationsTotal != nil {
		rotationsTotal.WithLabelValues(trigger, result(err)).Inc()
	}
}

func SetRingSize(n int) {
	if ringSize != nil {
		ringSize.Set(float64(n))
	}
}

func SetRevocations(n int) {
	if revocationsActive != nil {
		revocationsActive.Set(float64(n))
	}
}

func RecordPruned(n int) {
	if revocationsPruned != nil && n > 0 {
		revocationsPruned.Add(float64(n))
	}
}

func RecordSyncDelivery(err error) {
	if syncDeliveries != nil {
		syncDeliveries.WithLabelValues(result(err)).Inc()
	}
}

func RecordStorageError(op string) {
	if storageErrors != nil {
		storageErrors.WithLabelValues(op).Inc()
	}
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// WithMetrics records request counts and latency labelled by the matched
// ServeMux pattern.
func WithMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if httpRequestsTotal == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
