// Package monitor runs the shared background health loop for active
// sessions. One loop serves every tracked session; it starts on the first
// registration and parks itself when the tracked set empties.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brainbox/brainbox/internal/common/config"
	"github.com/brainbox/brainbox/internal/common/errdefs"
	"github.com/brainbox/brainbox/internal/common/logger"
	"github.com/brainbox/brainbox/internal/lifecycle"
)

// Target is the slice of the lifecycle engine the monitor drives. The
// monitor never transitions sessions itself; it reports findings and lets
// the engine act on them.
type Target interface {
	Health(ctx context.Context, name string) (*lifecycle.HealthReport, error)
	RecordHealthFailure(name string) int
	MarkRecycling(name, reason string)
	Expired(name string, now time.Time) bool
}

// Monitor periodically health-checks tracked sessions and flags expired
// ones for recycling.
type Monitor struct {
	target        Target
	logger        *logger.Logger
	interval      time.Duration
	healthTimeout time.Duration

	now func() time.Time

	mu       sync.Mutex
	tracked  map[string]bool
	running  bool
	shutdown bool

	closed    chan struct{}
	closeOnce sync.Once
}

var _ lifecycle.Watcher = (*Monitor)(nil)

// New builds a monitor. The loop does not start until the first Track.
func New(target Target, cfg config.MonitorConfig, log *logger.Logger) *Monitor {
	if log == nil {
		log = logger.Default()
	}
	return &Monitor{
		target:        target,
		logger:        log.WithFields(zap.String("component", "monitor")),
		interval:      cfg.IntervalDuration(),
		healthTimeout: cfg.HealthTimeoutDuration(),
		now:           time.Now,
		tracked:       make(map[string]bool),
		closed:        make(chan struct{}),
	}
}

// Track registers a session for health checks, starting the loop if it is
// not running.
func (m *Monitor) Track(name string) {
	m.mu.Lock()
	if m.shutdown || m.tracked[name] {
		m.mu.Unlock()
		return
	}
	m.tracked[name] = true
	start := !m.running
	if start {
		m.running = true
	}
	count := len(m.tracked)
	m.mu.Unlock()

	m.logger.WithSession(name).Debug("session tracked", zap.Int("tracked", count))
	if start {
		go m.loop()
	}
}

// Untrack removes a session from health checking. The loop parks itself
// once nothing is tracked.
func (m *Monitor) Untrack(name string) {
	m.mu.Lock()
	_, ok := m.tracked[name]
	delete(m.tracked, name)
	count := len(m.tracked)
	m.mu.Unlock()

	if ok {
		m.logger.WithSession(name).Debug("session untracked", zap.Int("tracked", count))
	}
}

// Tracked returns the tracked session names, sorted.
func (m *Monitor) Tracked() []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.tracked))
	for name := range m.tracked {
		names = append(names, name)
	}
	m.mu.Unlock()

	sort.Strings(names)
	return names
}

// Close stops the loop for good. Safe to call repeatedly, and before the
// loop ever started.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.closed) })
}

func (m *Monitor) loop() {
	m.logger.Debug("monitor loop started", zap.Duration("interval", m.interval))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-m.closed:
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.tick(ctx)

			m.mu.Lock()
			if len(m.tracked) == 0 {
				m.running = false
				m.mu.Unlock()
				m.logger.Debug("monitor loop parked, nothing tracked")
				return
			}
			m.mu.Unlock()
		}
	}
}

// tick checks every tracked session once, serially.
func (m *Monitor) tick(ctx context.Context) {
	for _, name := range m.Tracked() {
		m.check(ctx, name)
	}
}

func (m *Monitor) check(ctx context.Context, name string) {
	slog := m.logger.WithSession(name)

	hctx, cancel := context.WithTimeout(ctx, m.healthTimeout)
	report, err := m.target.Health(hctx, name)
	cancel()

	switch {
	case errdefs.IsNotFound(err):
		// The session left the table or its guest no longer exists on the
		// host. Nothing left to watch.
		slog.Info("session gone, dropped from monitoring", zap.Error(err))
		m.Untrack(name)
		return
	case err != nil:
		failures := m.target.RecordHealthFailure(name)
		slog.Warn("health check failed", zap.Int("failures", failures), zap.Error(err))
	case !report.Healthy:
		failures := m.target.RecordHealthFailure(name)
		slog.Warn("session unhealthy", zap.Int("failures", failures), zap.String("reason", report.Reason))
	default:
		m.logHealthy(slog, report)
	}

	if m.target.Expired(name, m.now()) {
		m.target.MarkRecycling(name, "TTL expired")
	}
}

func (m *Monitor) logHealthy(slog *logger.Logger, report *lifecycle.HealthReport) {
	switch report.Backend {
	case "utm":
		slog.Debug("session healthy",
			zap.String("vm_state", report.VMState),
			zap.Bool("ssh_reachable", report.SSHReachable))
	default:
		slog.Debug("session healthy",
			zap.Float64("cpu_percent", report.CPUPercent),
			zap.String("memory", report.MemoryUsageHuman+" / "+report.MemoryLimitHuman))
	}
}
