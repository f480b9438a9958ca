package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/whisper-darkly/tiktok-recorder/tiktok"
)

func TestMonitorSleepWakesOnRecheck(t *testing.T) {
	recheck := make(chan struct{}, 1)
	m := NewMonitor(MonitorConfig{Log: testLog(), User: "alice", Recheck: recheck})

	recheck <- struct{}{}

	done := make(chan bool, 1)
	go func() { done <- m.sleep(context.Background(), time.Hour) }()

	select {
	case ok := <-done:
		if !ok {
			t.Error("sleep = false, want true on a recheck signal")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sleep did not wake on the recheck signal")
	}
}

func TestMonitorSleepCancelled(t *testing.T) {
	m := NewMonitor(MonitorConfig{Log: testLog(), User: "alice"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if m.sleep(ctx, time.Hour) {
		t.Error("sleep = true on a cancelled context, want false")
	}
}

func TestMonitorBackoffFatal(t *testing.T) {
	m := NewMonitor(MonitorConfig{Log: testLog(), User: "alice"})

	if m.backoff(context.Background(), context.Canceled) {
		t.Error("backoff = true for a fatal error, want false")
	}
}

func TestMonitorBackoffSigning(t *testing.T) {
	m := NewMonitor(MonitorConfig{
		Log:            testLog(),
		User:           "alice",
		SigningBackoff: time.Millisecond,
	})

	err := &tiktok.SigningError{Provider: "signer", Attempts: 3, Err: tiktok.ErrResolutionExhausted}
	start := time.Now()
	if !m.backoff(context.Background(), err) {
		t.Fatal("backoff = false for a signing error, want true")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("signing backoff took %s, want roughly the configured millisecond", elapsed)
	}
}

func TestNewMonitorDefaults(t *testing.T) {
	m := NewMonitor(MonitorConfig{Log: testLog(), User: "alice"})

	if m.cfg.Interval != 5*time.Minute {
		t.Errorf("Interval = %s, want 5m", m.cfg.Interval)
	}
	if m.cfg.SigningBackoff != 10*time.Second {
		t.Errorf("SigningBackoff = %s, want 10s", m.cfg.SigningBackoff)
	}
	if m.cfg.TransientBackoff != 30*time.Second {
		t.Errorf("TransientBackoff = %s, want 30s", m.cfg.TransientBackoff)
	}
	if m.cfg.GeoBackoff != 5*time.Minute {
		t.Errorf("GeoBackoff = %s, want 5m", m.cfg.GeoBackoff)
	}
}
