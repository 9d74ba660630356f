package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := <-ch
	var dtoMetric dto.Metric
	if err := m.Write(&dtoMetric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return dtoMetric.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := <-ch
	var dtoMetric dto.Metric
	if err := m.Write(&dtoMetric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return dtoMetric.GetGauge().GetValue()
}

func TestPrometheusSinkRegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)

	sink.CallStarted("Echo")
	sink.CallFinished("Echo", "succeeded")
	sink.CallRetried("Echo")
	sink.HeartbeatSucceeded()
	sink.HeartbeatFailed()
	sink.HeartbeatTimedOut()
	sink.GraphCacheHit()
	sink.GraphCacheMiss()
	sink.GraphCacheFailure("checksum_mismatch")
	sink.EventsClientConnected()
	sink.EventsClientConnected()
	sink.EventsClientDropped()

	if v := counterValue(t, sink.callsStarted.WithLabelValues("Echo")); v != 1 {
		t.Errorf("callsStarted = %v, want 1", v)
	}
	if v := counterValue(t, sink.callsFinished.WithLabelValues("Echo", "succeeded")); v != 1 {
		t.Errorf("callsFinished = %v, want 1", v)
	}
	if v := counterValue(t, sink.heartbeats.WithLabelValues("success")); v != 1 {
		t.Errorf("heartbeats success = %v, want 1", v)
	}
	if v := counterValue(t, sink.graphCacheHits); v != 1 {
		t.Errorf("graphCacheHits = %v, want 1", v)
	}
	if v := counterValue(t, sink.graphCacheFails.WithLabelValues("checksum_mismatch")); v != 1 {
		t.Errorf("graphCacheFails = %v, want 1", v)
	}
	if v := gaugeValue(t, sink.eventsClients); v != 1 {
		t.Errorf("eventsClients = %v, want 1 (2 connects, 1 drop)", v)
	}
	if v := counterValue(t, sink.eventsDisconnects.WithLabelValues("slow_consumer")); v != 1 {
		t.Errorf("eventsDisconnects{slow_consumer} = %v, want 1", v)
	}
}

func TestNopSinkDiscardsSilently(t *testing.T) {
	var s Sink = NopSink{}
	// Must not panic with a nil registry or any backing storage.
	s.CallStarted("Echo")
	s.CallFinished("Echo", "failed")
	s.CallRetried("Echo")
	s.HeartbeatSucceeded()
	s.HeartbeatFailed()
	s.HeartbeatTimedOut()
	s.GraphCacheHit()
	s.GraphCacheMiss()
	s.GraphCacheFailure("transient")
	s.EventsClientConnected()
	s.EventsClientDisconnected()
	s.EventsClientDropped()
}
