package api

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertSink struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (s *alertSink) fn(e AlertEvent) {
	s.mu.Lock()
	s.alerts = append(s.alerts, e)
	s.mu.Unlock()
}

func (s *alertSink) snapshot() []AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AlertEvent(nil), s.alerts...)
}

func TestLoginFailureSpikeAlert(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.fn)
	collector.loginFailures.threshold = 5

	for range 4 {
		collector.recordEvent(AuditLoginFailure)
	}
	assert.Empty(t, sink.snapshot(), "no alert below threshold")

	collector.recordEvent(AuditLoginFailure)
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLoginFailureSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)
	assert.Equal(t, 5, alerts[0].Threshold)
}

func TestRefreshFailureSpikeAlert(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.fn)
	collector.refreshFailures.threshold = 3

	for range 2 {
		collector.recordEvent(AuditTokenRefreshFailed)
	}
	assert.Empty(t, sink.snapshot())

	collector.recordEvent(AuditTokenRefreshFailed)
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRefreshFailures, alerts[0].Type)
}

func TestMetricsIgnoresOtherEvents(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.fn)
	collector.loginFailures.threshold = 1
	collector.refreshFailures.threshold = 1

	collector.recordEvent(AuditLoginSuccess)
	collector.recordEvent(AuditSessionRenewed)
	collector.recordEvent(AuditTokenRefreshed)
	assert.Empty(t, sink.snapshot())
}

func TestMetricsNoAlertWithoutCallback(t *testing.T) {
	collector := newMetricsCollector(nil)
	collector.recordEvent(AuditLoginFailure)
}

func TestMetricsNilCollector(t *testing.T) {
	var collector *metricsCollector
	collector.recordEvent(AuditLoginFailure)
}

func TestMetricsSlidingWindowExpiry(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.fn)
	collector.loginFailures.threshold = 5
	collector.loginFailures.window = 100 * time.Millisecond

	for range 4 {
		collector.recordEvent(AuditLoginFailure)
	}

	time.Sleep(150 * time.Millisecond)

	collector.recordEvent(AuditLoginFailure)
	assert.Empty(t, sink.snapshot(), "old failures should not count after window expiry")
}

func TestMetricsResetAfterAlert(t *testing.T) {
	sink := &alertSink{}
	collector := newMetricsCollector(sink.fn)
	collector.loginFailures.threshold = 3

	for range 3 {
		collector.recordEvent(AuditLoginFailure)
	}
	require.Len(t, sink.snapshot(), 1, "first alert triggered")

	for range 2 {
		collector.recordEvent(AuditLoginFailure)
	}
	assert.Len(t, sink.snapshot(), 1, "no second alert yet")

	collector.recordEvent(AuditLoginFailure)
	assert.Len(t, sink.snapshot(), 2, "second alert triggered")
}

func TestTrimWindow(t *testing.T) {
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(time.Second), base.Add(2 * time.Second)}

	got := trimWindow(times, base.Add(3*time.Second), 2*time.Second)
	assert.Equal(t, times[1:], got)

	assert.Empty(t, trimWindow(times, base.Add(time.Hour), time.Second))
}
