// Package health tracks per-provider availability for the LLM client. Each
// provider runs a small state machine: unknown → healthy/degraded on first
// outcome, unhealthy with exponential cooldown after repeated failures, and
// back to healthy after enough probe successes.
package health

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/quillhq/quill/pkg/models"
)

// Config holds the failover thresholds and cooldown curve.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// cooldown. Default 3.
	FailureThreshold int

	// RecoveryThreshold is the consecutive-success count that closes it.
	// Default 2.
	RecoveryThreshold int

	// CooldownBase is the first cooldown duration. Default 30s.
	CooldownBase time.Duration

	// CooldownMax caps the cooldown. Default 300s.
	CooldownMax time.Duration

	// CooldownMultiplier grows the cooldown per failure past the threshold.
	// Default 2.0.
	CooldownMultiplier float64

	// ProbeInterval schedules the background probe. Default 60s.
	ProbeInterval time.Duration
}

// DefaultConfig returns the default failover configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   3,
		RecoveryThreshold:  2,
		CooldownBase:       30 * time.Second,
		CooldownMax:        300 * time.Second,
		CooldownMultiplier: 2.0,
		ProbeInterval:      60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = d.RecoveryThreshold
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = d.CooldownBase
	}
	if c.CooldownMax <= 0 {
		c.CooldownMax = d.CooldownMax
	}
	if c.CooldownMultiplier <= 1 {
		c.CooldownMultiplier = d.CooldownMultiplier
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
}

// ProbeFunc checks one provider's liveness. A nil error is a success.
type ProbeFunc func(ctx context.Context, provider string) error

type providerState struct {
	status               models.HealthStatus
	consecutiveFailures  int
	consecutiveSuccesses int
	totalFailures        int
	cooldownUntil        time.Time
	lastError            string
	lastLatency          time.Duration
}

// Monitor owns the health state of all providers. Safe for concurrent use.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	states map[string]*providerState

	probeMu sync.Mutex
	probes  map[string]ProbeFunc
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg Config, logger *slog.Logger) *Monitor {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		states: make(map[string]*providerState),
		probes: make(map[string]ProbeFunc),
	}
}

// IsAvailable reports whether the provider may be offered for dispatch.
// An unhealthy provider becomes degraded once its cooldown expires; the
// next call is the probe.
func (m *Monitor) IsAvailable(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[name]
	if !ok {
		return true
	}
	if state.status != models.HealthUnhealthy {
		return true
	}
	if m.now().Before(state.cooldownUntil) {
		return false
	}
	state.status = models.HealthDegraded
	return true
}

// RecordSuccess feeds a successful attempt with its latency.
func (m *Monitor) RecordSuccess(name string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.state(name)
	state.lastLatency = latency
	state.consecutiveFailures = 0

	switch state.status {
	case models.HealthUnknown:
		state.status = models.HealthHealthy
	case models.HealthDegraded:
		state.consecutiveSuccesses++
		if state.consecutiveSuccesses >= m.cfg.RecoveryThreshold {
			state.status = models.HealthHealthy
			state.consecutiveSuccesses = 0
			state.totalFailures = 0
			state.lastError = ""
			m.logger.Info("provider recovered", "provider", name)
		}
	case models.HealthUnhealthy:
		// A success during cooldown (external probe) counts toward recovery.
		state.status = models.HealthDegraded
		state.consecutiveSuccesses = 1
	}
}

// RecordFailure feeds a failed attempt with its classified error.
func (m *Monitor) RecordFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.state(name)
	state.consecutiveSuccesses = 0
	state.consecutiveFailures++
	state.totalFailures++
	if err != nil {
		state.lastError = err.Error()
	}

	switch state.status {
	case models.HealthUnknown:
		state.status = models.HealthDegraded
	case models.HealthHealthy, models.HealthDegraded:
		if state.consecutiveFailures >= m.cfg.FailureThreshold {
			state.status = models.HealthUnhealthy
			state.cooldownUntil = m.now().Add(m.cooldown(state.totalFailures))
			m.logger.Warn("provider entered cooldown",
				"provider", name,
				"failures", state.consecutiveFailures,
				"cooldown_until", state.cooldownUntil,
			)
		}
	case models.HealthUnhealthy:
		state.cooldownUntil = m.now().Add(m.cooldown(state.totalFailures))
	}
}

// cooldown computes min(max, base * multiplier^(n-threshold)).
func (m *Monitor) cooldown(failures int) time.Duration {
	exp := float64(failures - m.cfg.FailureThreshold)
	if exp < 0 {
		exp = 0
	}
	d := time.Duration(float64(m.cfg.CooldownBase) * math.Pow(m.cfg.CooldownMultiplier, exp))
	if d > m.cfg.CooldownMax {
		d = m.cfg.CooldownMax
	}
	return d
}

// Snapshot returns the provider's current health.
func (m *Monitor) Snapshot(name string) models.ProviderHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[name]
	if !ok {
		return models.ProviderHealth{Name: name, Status: models.HealthUnknown}
	}
	return models.ProviderHealth{
		Name:                 name,
		Status:               state.status,
		ConsecutiveFailures:  state.consecutiveFailures,
		ConsecutiveSuccesses: state.consecutiveSuccesses,
		CooldownUntil:        state.cooldownUntil,
		LastError:            state.lastError,
	}
}

// Snapshots returns health for every tracked provider.
func (m *Monitor) Snapshots() []models.ProviderHealth {
	m.mu.RLock()
	names := make([]string, 0, len(m.states))
	for name := range m.states {
		names = append(names, name)
	}
	m.mu.RUnlock()

	out := make([]models.ProviderHealth, 0, len(names))
	for _, name := range names {
		out = append(out, m.Snapshot(name))
	}
	return out
}

// RegisterProbe attaches a liveness check invoked by the background loop.
func (m *Monitor) RegisterProbe(name string, probe ProbeFunc) {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	m.probes[name] = probe
}

// Start launches the background probe loop. Stop terminates it.
func (m *Monitor) Start() {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runProbes(ctx)
			}
		}
	}()
}

// Stop terminates the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.probeMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.probeMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Monitor) runProbes(ctx context.Context) {
	m.probeMu.Lock()
	probes := make(map[string]ProbeFunc, len(m.probes))
	for name, probe := range m.probes {
		probes[name] = probe
	}
	m.probeMu.Unlock()

	for name, probe := range probes {
		start := m.now()
		if err := probe(ctx, name); err != nil {
			m.RecordFailure(name, err)
			continue
		}
		m.RecordSuccess(name, m.now().Sub(start))
	}
}

// state returns the provider state, creating it if needed. Caller holds mu.
func (m *Monitor) state(name string) *providerState {
	state, ok := m.states[name]
	if !ok {
		state = &providerState{status: models.HealthUnknown}
		m.states[name] = state
	}
	return state
}
