// Package metrics holds the Prometheus instruments of the punch cycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "autoattend"

// Result label values.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
	ResultBusy     = "busy"
	ResultNotFound = "not_found"
)

// Metrics is shared by the login flow and the scheduler.
type Metrics struct {
	CaptchaAttempts *prometheus.CounterVec
	Logins          *prometheus.CounterVec
	Records         *prometheus.CounterVec
	GapIndex        prometheus.Histogram
}

// New creates and registers all metrics with reg. A nil reg uses a private
// registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Metrics{
		CaptchaAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "captcha_attempts_total",
				Help:      "Slider captcha verify attempts",
			},
			[]string{"result"}, // ok/rejected/not_found
		),
		Logins: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "logins_total",
				Help:      "Login flow outcomes",
			},
			[]string{"result"}, // ok/error/busy
		),
		Records: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_total",
				Help:      "Attendance record submissions",
			},
			[]string{"action", "result"}, // action=in/out/manual
		),
		GapIndex: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gap_index",
				Help:      "Gap column reported by the captcha solver",
				Buckets:   prometheus.LinearBuckets(0, 40, 10),
			},
		),
	}
}
