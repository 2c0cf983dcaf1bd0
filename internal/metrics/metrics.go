// Package metrics exposes prometheus instrumentation for ingestion, oracle
// calls, operator commands, and reports.
package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "ledgerbot_"

// Oracle call results.
const (
	OracleOK          = "ok"
	OracleMalformed   = "malformed"
	OracleUnavailable = "unavailable"
)

// Report results.
const (
	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	ingestMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "ingest_messages_total",
			Help: "Forwarded messages by ledger destination",
		},
		[]string{"destination"},
	)
	oracleRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "oracle_requests_total",
			Help: "Oracle calls by result",
		},
		[]string{"result"},
	)
	oracleLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    metricPrefix + "oracle_latency_seconds",
			Help:    "Oracle call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "commands_total",
			Help: "Operator commands handled",
		},
		[]string{"command"},
	)
	reports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "reports_total",
			Help: "Reports built by kind and result",
		},
		[]string{"kind", "result"},
	)
	pendingItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: metricPrefix + "pending_items",
		Help: "Pending items in the latest snapshot",
	})
	unknownItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: metricPrefix + "unknown_items",
		Help: "Unknown items in the latest snapshot",
	})
)

// Register adds all collectors to reg once. Observations made before
// registration are kept.
func Register(reg prometheus.Registerer) error {
	var err error
	registerOnce.Do(func() {
		for _, c := range []prometheus.Collector{
			ingestMessages, oracleRequests, oracleLatency, commands, reports, pendingItems, unknownItems,
		} {
			if regErr := reg.Register(c); regErr != nil {
				var already prometheus.AlreadyRegisteredError
				if !errors.As(regErr, &already) {
					err = regErr
					return
				}
			}
		}
	})
	return err
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveIngest counts a message routed to destination.
func ObserveIngest(destination string) {
	ingestMessages.WithLabelValues(destination).Inc()
}

// ObserveOracle records one oracle attempt.
func ObserveOracle(result string, latency time.Duration) {
	oracleRequests.WithLabelValues(result).Inc()
	oracleLatency.WithLabelValues(result).Observe(latency.Seconds())
}

// ObserveCommand counts an operator command.
func ObserveCommand(command string) {
	commands.WithLabelValues(command).Inc()
}

// ObserveReport counts a built report.
func ObserveReport(kind string, err error) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	reports.WithLabelValues(kind, result).Inc()
}

// ObserveLedger updates the collection gauges.
func ObserveLedger(pending, unknown int) {
	pendingItems.Set(float64(pending))
	unknownItems.Set(float64(unknown))
}
