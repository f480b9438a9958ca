package recorder

import (
	"context"
	"time"

	"github.com/whisper-darkly/tiktok-recorder/logger"
	"github.com/whisper-darkly/tiktok-recorder/metrics"
	"github.com/whisper-darkly/tiktok-recorder/session"
	"github.com/whisper-darkly/tiktok-recorder/tiktok"
	"github.com/whisper-darkly/tiktok-recorder/units"
)

// MonitorConfig wires a continuous watch loop for one target. API, Log and
// Recorder are required; the rest may be nil/zero.
type MonitorConfig struct {
	API      *tiktok.API
	Log      *logger.Logger
	Tracker  *session.Tracker
	Metrics  *metrics.Metrics
	Recorder *Recorder

	User     string
	Interval time.Duration // offline recheck interval

	// Recheck interrupts any wait and forces an immediate cycle.
	Recheck <-chan struct{}

	// Backoffs per error category; zero values mean defaults.
	SigningBackoff   time.Duration // resolution chain blocked (default 10s)
	TransientBackoff time.Duration // generic API/timeout errors (default 30s)
	GeoBackoff       time.Duration // region blacklist (default 5m)

	// APIDelayMin/Max bound the jittered pause injected before outbound
	// calls (defaults 1s/3s).
	APIDelayMin time.Duration
	APIDelayMax time.Duration
}

// Monitor drives repeated resolve → liveness → record cycles for a single
// target. Each target gets its own Monitor; they share nothing but the
// room cache, which serializes itself.
type Monitor struct {
	cfg MonitorConfig
	log *logger.Logger
}

// NewMonitor creates a Monitor with the given config.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.SigningBackoff <= 0 {
		cfg.SigningBackoff = 10 * time.Second
	}
	if cfg.TransientBackoff <= 0 {
		cfg.TransientBackoff = 30 * time.Second
	}
	if cfg.GeoBackoff <= 0 {
		cfg.GeoBackoff = 5 * time.Minute
	}
	if cfg.APIDelayMin <= 0 {
		cfg.APIDelayMin = time.Second
	}
	if cfg.APIDelayMax <= cfg.APIDelayMin {
		cfg.APIDelayMax = cfg.APIDelayMin + 2*time.Second
	}
	return &Monitor{cfg: cfg, log: cfg.Log}
}

// Run watches the target until the context is cancelled or a fatal error
// surfaces. Every other error category maps to a wait, then the cycle
// restarts.
func (m *Monitor) Run(ctx context.Context) error {
	m.setState("monitoring")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		check := 0
		if m.cfg.Tracker != nil {
			check = m.cfg.Tracker.BeginCheck()
		}
		m.cfg.Metrics.IncChecks()
		m.log.Info("[check #%d] checking if @%s is live...", check, m.cfg.User)

		m.apiDelay(ctx)
		m.setState("resolving room id")
		roomID, err := m.cfg.API.Resolve(ctx, m.cfg.User)
		if err != nil {
			if !m.backoff(ctx, err) {
				return err
			}
			continue
		}
		if roomID == "" {
			m.log.Info("@%s is not currently live", m.cfg.User)
			if !m.waitOffline(ctx) {
				return ctx.Err()
			}
			continue
		}
		if m.cfg.Tracker != nil {
			m.cfg.Tracker.SetRoomID(roomID)
		}

		m.apiDelay(ctx)
		m.setState("checking liveness")
		alive, err := m.cfg.API.IsRoomAlive(ctx, roomID)
		if err != nil {
			if !m.backoff(ctx, err) {
				return err
			}
			continue
		}
		if !alive {
			m.log.Info("@%s is not currently live", m.cfg.User)
			if !m.waitOffline(ctx) {
				return ctx.Err()
			}
			continue
		}

		m.log.Info("@%s is live, starting recording", m.cfg.User)
		m.setState("recording")
		if err := m.cfg.Recorder.Record(ctx, roomID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !m.backoff(ctx, err) {
				return err
			}
			continue
		}

		m.setState("waiting")
		m.log.Info("recording session ended, waiting before recheck")
		if !m.waitOffline(ctx) {
			return ctx.Err()
		}
	}
}

func (m *Monitor) setState(state string) {
	if m.cfg.Tracker != nil {
		m.cfg.Tracker.SetState(state)
	}
}

// waitOffline sleeps the jittered recheck interval. Returns false when the
// context was cancelled.
func (m *Monitor) waitOffline(ctx context.Context) bool {
	m.setState("waiting")
	d := units.Jitter(m.cfg.Interval, 0.7, 1.3)
	if m.cfg.Tracker != nil {
		m.cfg.Tracker.SetNextCheck(time.Now().Add(d))
	}
	m.log.Info("next check for @%s in %s", m.cfg.User, units.FormatDuration(d))
	return m.sleep(ctx, d)
}

// backoff waits the category-specific delay for err. Returns false when
// the error is fatal or the context was cancelled.
func (m *Monitor) backoff(ctx context.Context, err error) bool {
	kind := tiktok.Classify(err)
	m.cfg.Metrics.IncErrors(kind.String())

	var d time.Duration
	switch kind {
	case tiktok.KindFatal:
		m.log.Error("%v (not retrying)", err)
		return false
	case tiktok.KindSigning:
		// Providers already retried internally; wait briefly and go again.
		m.log.Error("resolution failed: %v", err)
		d = m.cfg.SigningBackoff
	case tiktok.KindGeoBlocked:
		m.log.Error("geo blocked: %v", err)
		d = m.cfg.GeoBackoff
	case tiktok.KindRestricted:
		m.log.Error("restricted: %v", err)
		d = m.cfg.Interval
	default:
		m.log.Error("api error: %v", err)
		d = m.cfg.TransientBackoff
	}

	d = units.Jitter(d, 0.7, 1.3)
	m.setState("error")
	m.log.Info("waiting %s before retry", units.FormatDuration(d))
	if m.cfg.Tracker != nil {
		m.cfg.Tracker.SetNextCheck(time.Now().Add(d))
	}
	if !m.sleep(ctx, d) {
		return false
	}
	m.setState("monitoring")
	return true
}

// apiDelay injects a short jittered pause before an outbound call, so
// checks never land in tight bursts.
func (m *Monitor) apiDelay(ctx context.Context) {
	d := units.JitterBetween(m.cfg.APIDelayMin, m.cfg.APIDelayMax)
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// sleep waits for d, a force-recheck signal, or cancellation. Returns
// false only on cancellation.
func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.cfg.Recheck:
		m.log.Info("force recheck requested, resuming immediately")
		return true
	case <-ctx.Done():
		return false
	}
}
