package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Dispatch results
const (
	ResultOK             = "ok"
	ResultResponderError = "responder_error"
	ResultDeliveryError  = "delivery_error"
	ResultHistoryError   = "history_error"
	ResultDropped        = "dropped"
)

// Metrics holds the bot's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	messagesBuffered   prometheus.Counter
	dispatches         *prometheus.CounterVec
	staleTimers        prometheus.Counter
	paragraphsSent     prometheus.Counter
	deliveriesInFlight prometheus.Gauge
	responderLatency   prometheus.Histogram
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_messages_buffered_total",
			Help: "Incoming messages merged into a user's pending buffer.",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_dispatches_total",
			Help: "Dispatches by result.",
		}, []string{"result"}),
		staleTimers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_stale_timers_total",
			Help: "Timers that fired after being superseded.",
		}),
		paragraphsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_paragraphs_sent_total",
			Help: "Reply paragraphs delivered to users.",
		}),
		deliveriesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_deliveries_in_progress",
			Help: "Users whose send guard is currently held.",
		}),
		responderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bot_responder_latency_seconds",
			Help:    "Time spent waiting for the responder.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
	}
	m.registry.MustRegister(
		m.messagesBuffered,
		m.dispatches,
		m.staleTimers,
		m.paragraphsSent,
		m.deliveriesInFlight,
		m.responderLatency,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) MessageBuffered() {
	if m == nil {
		return
	}
	m.messagesBuffered.Inc()
}

func (m *Metrics) Dispatch(result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(result).Inc()
}

func (m *Metrics) StaleTimer() {
	if m == nil {
		return
	}
	m.staleTimers.Inc()
}

func (m *Metrics) ParagraphSent() {
	if m == nil {
		return
	}
	m.paragraphsSent.Inc()
}

// DeliveryStarted increments the in-progress gauge; call the returned func when done
func (m *Metrics) DeliveryStarted() func() {
	if m == nil {
		return func() {}
	}
	m.deliveriesInFlight.Inc()
	return m.deliveriesInFlight.Dec
}

func (m *Metrics) ObserveResponder(d time.Duration) {
	if m == nil {
		return
	}
	m.responderLatency.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Infof("Serving metrics on %s/metrics", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
