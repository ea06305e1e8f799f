package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TestNewTimer tests timer creation
func TestNewTimer(t *testing.T) {
	timer := NewTimer()

	if timer == nil {
		t.Fatal("NewTimer() returned nil")
	}

	if timer.start.IsZero() {
		t.Error("NewTimer() start time is zero")
	}

	if time.Since(timer.start) > time.Second {
		t.Error("NewTimer() start time is not recent")
	}
}

// TestTimerDuration tests duration measurement
func TestTimerDuration(t *testing.T) {
	timer := NewTimer()

	sleepDuration := 50 * time.Millisecond
	time.Sleep(sleepDuration)

	duration := timer.Duration()

	if duration < sleepDuration {
		t.Errorf("Timer.Duration() = %v, want >= %v", duration, sleepDuration)
	}
}

// TestTimerObserveDuration tests histogram observation
func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(histogram)
}

// TestHealthRegistration tests component health tracking
func TestHealthRegistration(t *testing.T) {
	RegisterComponent("wal", true, "")
	RegisterComponent("reconciler", true, "")

	health := GetHealth()
	if health.Status != "healthy" {
		t.Errorf("GetHealth().Status = %q, want healthy", health.Status)
	}

	UpdateComponent("wal", false, "disk full")
	health = GetHealth()
	if health.Status != "unhealthy" {
		t.Errorf("GetHealth().Status = %q, want unhealthy", health.Status)
	}

	// Restore for other tests.
	UpdateComponent("wal", true, "")
}
