// Package health implements periodic health checks of the relay and its
// host: relay liveness, invariant violations, CPU, memory and disk usage.
// Alerts are logged and emitted on the event bus when a check enters a bad
// state; recovery is logged once when it leaves it.
package health

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/muco-project/muco-relay/internal/config"
	"github.com/muco-project/muco-relay/internal/events"
	"github.com/muco-project/muco-relay/internal/relay"
	"github.com/muco-project/muco-relay/internal/util"
)

// Alert levels.
const (
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

// RelayStatus is the part of the replication manager the checks read.
type RelayStatus interface {
	IsRunning() bool
	Stats() relay.Stats
}

// probes wraps the host statistics so tests can substitute them.
type probes struct {
	cpu    func() (float64, error)
	memory func() (*util.MemoryUsage, error)
	disk   func(path string) (*util.DiskUsage, error)
}

// Manager runs periodic health checks.
type Manager struct {
	cfg      *config.Config
	eventBus *events.EventBus
	relay    RelayStatus
	diskPath string
	probes   probes
	logger   zerolog.Logger

	mu             sync.Mutex
	active         map[string]string // check -> level
	lastViolations uint64
	lastSendErrors uint64
}

// NewManager creates a health check manager. The disk check watches the
// filesystem holding the journal.
func NewManager(cfg *config.Config, eventBus *events.EventBus, status RelayStatus) *Manager {
	app := cfg.GetApplicationData()
	diskPath := "."
	if app.Journal.Enabled && app.Journal.Path != "" {
		diskPath = filepath.Dir(app.Journal.Path)
	}

	return &Manager{
		cfg:      cfg,
		eventBus: eventBus,
		relay:    status,
		diskPath: diskPath,
		probes: probes{
			cpu:    util.GetCPUUsage,
			memory: util.GetMemoryUsage,
			disk:   util.GetDiskUsage,
		},
		logger: log.With().Str("component", "health").Logger(),
		active: make(map[string]string),
	}
}

// Start runs the checks every interval until ctx is cancelled. The first
// pass waits one interval so the relay has time to come up.
func (m *Manager) Start(ctx context.Context) {
	healthCfg := m.cfg.GetApplicationData().Health
	interval := time.Duration(healthCfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	m.logger.Info().Dur("interval", interval).Msg("health check manager started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health check manager stopped")
			return
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

func (m *Manager) runChecks(ctx context.Context) {
	m.checkRelay(ctx)
	m.checkHostResources(ctx)
	m.checkDiskUtilization(ctx)
}

// checkRelay watches relay liveness and the error counters that should stay
// flat in a healthy session.
func (m *Manager) checkRelay(ctx context.Context) {
	relayCfg := m.cfg.GetRelayData()
	running := m.relay.IsRunning()

	if relayCfg.AutoStart && !running {
		m.raise(ctx, "relay_running", LevelError, "relay is configured to auto-start but is not running")
	} else {
		m.clear("relay_running")
	}
	if !running {
		return
	}

	stats := m.relay.Stats()

	m.mu.Lock()
	newViolations := stats.InvariantViolations - m.lastViolations
	newSendErrors := stats.SendErrors - m.lastSendErrors
	if stats.InvariantViolations < m.lastViolations {
		newViolations = stats.InvariantViolations
	}
	if stats.SendErrors < m.lastSendErrors {
		newSendErrors = stats.SendErrors
	}
	m.lastViolations = stats.InvariantViolations
	m.lastSendErrors = stats.SendErrors
	m.mu.Unlock()

	if newViolations > 0 {
		m.raise(ctx, "invariants", LevelCritical,
			fmt.Sprintf("%d connection invariant violations since last check", newViolations))
	} else {
		m.clear("invariants")
	}

	if newSendErrors > 0 {
		m.raise(ctx, "send_errors", LevelWarning,
			fmt.Sprintf("%d failed sends since last check", newSendErrors))
	} else {
		m.clear("send_errors")
	}
}

func (m *Manager) checkHostResources(ctx context.Context) {
	healthCfg := m.cfg.GetApplicationData().Health

	if cpu, err := m.probes.cpu(); err != nil {
		m.logger.Warn().Err(err).Msg("cpu usage check failed")
	} else if cpu >= healthCfg.CPUWarnPercent {
		m.raise(ctx, "cpu", LevelWarning, fmt.Sprintf("CPU usage at %.1f%%", cpu))
	} else {
		m.clear("cpu")
	}

	if mem, err := m.probes.memory(); err != nil {
		m.logger.Warn().Err(err).Msg("memory usage check failed")
	} else if mem.UsedPercent >= healthCfg.MemoryWarnPercent {
		m.raise(ctx, "memory", LevelWarning,
			fmt.Sprintf("memory usage at %.1f%% (%d MB free)", mem.UsedPercent, mem.Available))
	} else {
		m.clear("memory")
	}
}

// checkDiskUtilization monitors disk space under the journal.
func (m *Manager) checkDiskUtilization(ctx context.Context) {
	usage, err := m.probes.disk(m.diskPath)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", m.diskPath).Msg("disk utilization check failed")
		return
	}

	m.logger.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_gb", usage.Free).
		Msg("disk utilization")

	warnAt := m.cfg.GetApplicationData().Health.DiskWarnPercent

	var level string
	switch {
	case usage.UsedPercent >= 99:
		level = LevelCritical
	case usage.UsedPercent >= warnAt:
		level = LevelWarning
	default:
		m.clear("disk")
		return
	}

	m.raise(ctx, "disk", level, fmt.Sprintf("Disk usage at %.1f%% (%d GB free of %d GB total)",
		usage.UsedPercent, usage.Free, usage.Total))
}

// raise logs and emits an alert when check enters a bad state or its level
// gets worse.
func (m *Manager) raise(ctx context.Context, check, level, message string) {
	m.mu.Lock()
	prev, already := m.active[check]
	m.active[check] = level
	m.mu.Unlock()
	if already && severity(level) <= severity(prev) {
		return
	}

	m.logger.Warn().Str("check", check).Str("level", level).Msg(message)

	if m.eventBus == nil {
		return
	}
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventHealthAlert,
		Source: "health_check",
		Payload: events.HealthAlertPayload{
			Check:   check,
			Level:   level,
			Message: message,
		},
	})
}

func severity(level string) int {
	switch level {
	case LevelCritical:
		return 3
	case LevelError:
		return 2
	case LevelWarning:
		return 1
	}
	return 0
}

func (m *Manager) clear(check string) {
	m.mu.Lock()
	_, was := m.active[check]
	delete(m.active, check)
	m.mu.Unlock()
	if was {
		m.logger.Info().Str("check", check).Msg("health check recovered")
	}
}

// Active returns the checks currently in a bad state.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for check := range m.active {
		out = append(out, check)
	}
	sort.Strings(out)
	return out
}
