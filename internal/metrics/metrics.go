// Package metrics defines the MetricsSink contract the connection manager
// and graph-cache resolver report through, plus a Prometheus-backed default
// implementation, so the ambient observability stack is not left
// unimplemented.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sink is the narrow interface the connection manager and graph-cache
// resolver depend on. Callers outside this package should construct a
// PrometheusSink (or a test double) and pass it in — nothing here assumes a
// particular registry.
type Sink interface {
	CallStarted(method string)
	CallFinished(method, status string)
	CallRetried(method string)
	HeartbeatSucceeded()
	HeartbeatFailed()
	HeartbeatTimedOut()
	GraphCacheHit()
	GraphCacheMiss()
	GraphCacheFailure(reason string)
	EventsClientConnected()
	EventsClientDisconnected()
	EventsClientDropped()
}

// PrometheusSink implements Sink against a prometheus.Registerer.
type PrometheusSink struct {
	callsStarted      *prometheus.CounterVec
	callsFinished     *prometheus.CounterVec
	callsRetried      *prometheus.CounterVec
	heartbeats        *prometheus.CounterVec
	graphCacheHits    prometheus.Counter
	graphCacheMiss    prometheus.Counter
	graphCacheFails   *prometheus.CounterVec
	eventsClients     prometheus.Gauge
	eventsDisconnects *prometheus.CounterVec
}

// NewPrometheusSink registers the connection manager's metrics with reg and
// returns a ready-to-use Sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		callsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "distproxy",
			Subsystem: "calls",
			Name:      "started_total",
			Help:      "Total number of calls started, by method.",
		}, []string{"method"}),
		callsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "distproxy",
			Subsystem: "calls",
			Name:      "finished_total",
			Help:      "Total number of calls finished, by method and terminal status.",
		}, []string{"method", "status"}),
		callsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "distproxy",
			Subsystem: "calls",
			Name:      "retried_total",
			Help:      "Total number of retry attempts, by method.",
		}, []string{"method"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "distproxy",
			Subsystem: "heartbeat",
			Name:      "outcomes_total",
			Help:      "Total heartbeat outcomes, by result.",
		}, []string{"result"}),
		graphCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "distproxy",
			Subsystem: "graphcache",
			Name:      "hits_total",
			Help:      "Total graph-cache lookup hits.",
		}),
		graphCacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "distproxy",
			Subsystem: "graphcache",
			Name:      "misses_total",
			Help:      "Total graph-cache lookup misses.",
		}),
		graphCacheFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "distproxy",
			Subsystem: "graphcache",
			Name:      "failures_total",
			Help:      "Total graph-cache resolution failures, by reason.",
		}, []string{"reason"}),
		eventsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "distproxy",
			Subsystem: "events",
			Name:      "connected_clients",
			Help:      "Current number of connected observability websocket clients.",
		}),
		eventsDisconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "distproxy",
			Subsystem: "events",
			Name:      "disconnects_total",
			Help:      "Total observability client disconnects, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		s.callsStarted,
		s.callsFinished,
		s.callsRetried,
		s.heartbeats,
		s.graphCacheHits,
		s.graphCacheMiss,
		s.graphCacheFails,
		s.eventsClients,
		s.eventsDisconnects,
	)
	return s
}

func (s *PrometheusSink) CallStarted(method string) { s.callsStarted.WithLabelValues(method).Inc() }
func (s *PrometheusSink) CallFinished(method, status string) {
	s.callsFinished.WithLabelValues(method, status).Inc()
}
func (s *PrometheusSink) CallRetried(method string) { s.callsRetried.WithLabelValues(method).Inc() }
func (s *PrometheusSink) HeartbeatSucceeded()       { s.heartbeats.WithLabelValues("success").Inc() }
func (s *PrometheusSink) HeartbeatFailed()          { s.heartbeats.WithLabelValues("failed").Inc() }
func (s *PrometheusSink) HeartbeatTimedOut()        { s.heartbeats.WithLabelValues("timed_out").Inc() }
func (s *PrometheusSink) GraphCacheHit()            { s.graphCacheHits.Inc() }
func (s *PrometheusSink) GraphCacheMiss()           { s.graphCacheMiss.Inc() }
func (s *PrometheusSink) GraphCacheFailure(reason string) {
	s.graphCacheFails.WithLabelValues(reason).Inc()
}
func (s *PrometheusSink) EventsClientConnected() { s.eventsClients.Inc() }
func (s *PrometheusSink) EventsClientDisconnected() {
	s.eventsClients.Dec()
	s.eventsDisconnects.WithLabelValues("closed").Inc()
}
func (s *PrometheusSink) EventsClientDropped() {
	s.eventsClients.Dec()
	s.eventsDisconnects.WithLabelValues("slow_consumer").Inc()
}

// NopSink discards every observation — the default when the caller does not
// configure a Sink (tests, or a minimal deployment without Prometheus).
type NopSink struct{}

func (NopSink) CallStarted(string)          {}
func (NopSink) CallFinished(string, string) {}
func (NopSink) CallRetried(string)          {}
func (NopSink) HeartbeatSucceeded()         {}
func (NopSink) HeartbeatFailed()            {}
func (NopSink) HeartbeatTimedOut()          {}
func (NopSink) GraphCacheHit()              {}
func (NopSink) GraphCacheMiss()             {}
func (NopSink) GraphCacheFailure(string)    {}
func (NopSink) EventsClientConnected()      {}
func (NopSink) EventsClientDisconnected()   {}
func (NopSink) EventsClientDropped()        {}
