// Package metrics exposes the connector's operational surface (spec.md
// §4.3 stats() counters) over a Prometheus registry and HTTP handler.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	lib "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"go.vigilo.io/connector/log"
)

// Stats is a point-in-time snapshot of a Forwarder's counters, matching
// spec.md §4.3 `stats()`.
type Stats struct {
	Forwarded  uint64
	Sent       uint64
	QueueLen   int
	RetryInBuf int
	RetryOutBuf int
	RetrySize  int
}

// Operator collects and exposes instrumentation data for the connector's
// directions (socket→bus and bus→socket), each series labelled by
// direction.
type Operator interface {
	// GatherMetrics collects metrics on a best-effort basis.
	GatherMetrics() ([]*dto.MetricFamily, error)

	// MetricsHandler returns an HTTP handler serving the registry.
	MetricsHandler() http.Handler

	// Observe records a new stats snapshot for the named direction.
	Observe(direction string, s Stats)
}

type handler struct {
	registry *lib.Registry

	forwarded   *lib.GaugeVec
	sent        *lib.GaugeVec
	queueLen    *lib.GaugeVec
	retryInBuf  *lib.GaugeVec
	retryOutBuf *lib.GaugeVec
	retrySize   *lib.GaugeVec
}

// NewOperator returns a ready-to-use operator instance. Host and runtime
// metrics are collected by default, in addition to any extra collector
// provided. If `reg` is nil a new empty registry is created.
func NewOperator(reg *lib.Registry, cols ...lib.Collector) (Operator, error) {
	if reg == nil {
		reg = lib.NewRegistry()
	}
	h := &handler{
		registry: reg,
		forwarded: lib.NewGaugeVec(lib.GaugeOpts{
			Name: "vigilo_connector_forwarded_total",
			Help: "Number of messages accepted by the forwarder, per direction (cumulative snapshot).",
		}, []string{"direction"}),
		sent: lib.NewGaugeVec(lib.GaugeOpts{
			Name: "vigilo_connector_sent_total",
			Help: "Number of messages successfully published to the bus, per direction (cumulative snapshot).",
		}, []string{"direction"}),
		queueLen: lib.NewGaugeVec(lib.GaugeOpts{
			Name: "vigilo_connector_queue_len",
			Help: "Current length of the in-memory queue, per direction.",
		}, []string{"direction"}),
		retryInBuf: lib.NewGaugeVec(lib.GaugeOpts{
			Name: "vigilo_connector_retry_in_buf",
			Help: "Pending entries in the retry store's write buffer, per direction.",
		}, []string{"direction"}),
		retryOutBuf: lib.NewGaugeVec(lib.GaugeOpts{
			Name: "vigilo_connector_retry_out_buf",
			Help: "Prefetched entries in the retry store's read buffer, per direction.",
		}, []string{"direction"}),
		retrySize: lib.NewGaugeVec(lib.GaugeOpts{
			Name: "vigilo_connector_retry_size",
			Help: "Total size of the retry store, per direction.",
		}, []string{"direction"}),
	}
	for _, c := range []lib.Collector{h.forwarded, h.sent, h.queueLen, h.retryInBuf, h.retryOutBuf, h.retrySize} {
		if err := h.registry.Register(c); err != nil {
			return nil, err
		}
	}
	if err := h.init(cols); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *handler) init(extra []lib.Collector) error {
	// Export process-wide Go runtime metrics (GC, goroutines, memory).
	if err := h.registry.Register(collectors.NewGoCollector()); err != nil {
		return err
	}

	// Export OS-level process metrics where supported.
	if runtime.GOOS == "linux" || runtime.GOOS == "windows" {
		po := collectors.ProcessCollectorOpts{ReportErrors: true}
		if err := h.registry.Register(collectors.NewProcessCollector(po)); err != nil {
			return err
		}
	}

	for _, c := range extra {
		if err := h.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (h *handler) GatherMetrics() ([]*dto.MetricFamily, error) {
	return h.registry.Gather()
}

func (h *handler) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{
		ErrorLog:            &errorLogger{ll: log.Discard()},
		ErrorHandling:       promhttp.ContinueOnError,
		Registry:            h.registry,
		DisableCompression:  false,
		MaxRequestsInFlight: 10,
		Timeout:             5 * time.Second,
		EnableOpenMetrics:   false,
	})
}

func (h *handler) Observe(direction string, s Stats) {
	h.forwarded.WithLabelValues(direction).Set(float64(s.Forwarded))
	h.sent.WithLabelValues(direction).Set(float64(s.Sent))
	h.queueLen.WithLabelValues(direction).Set(float64(s.QueueLen))
	h.retryInBuf.WithLabelValues(direction).Set(float64(s.RetryInBuf))
	h.retryOutBuf.WithLabelValues(direction).Set(float64(s.RetryOutBuf))
	h.retrySize.WithLabelValues(direction).Set(float64(s.RetrySize))
}

// Minimal prometheus error logger implementation.
type errorLogger struct {
	ll log.Logger
}

func (el *errorLogger) Println(v ...any) {
	el.ll.Print(log.Warning, v...)
}
