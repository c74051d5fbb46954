package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/schedopt/pkg/logging"
)

// Config controls retention of finished jobs
type Config struct {
	Enabled        bool
	MaxAge         time.Duration // terminal jobs older than this are purged
	Interval       time.Duration
	VacuumInterval time.Duration
	BatchSize      int           // pause briefly after this many deletions
	InitialDelay   time.Duration // wait before the first pass
}

// DefaultConfig returns sensible defaults for cleanup
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		MaxAge:         24 * time.Hour,
		Interval:       time.Hour,
		VacuumInterval: 7 * 24 * time.Hour,
		BatchSize:      100,
		InitialDelay:   time.Minute,
	}
}

// Finder lists terminal jobs that finished before a cutoff
type Finder interface {
	TerminalBefore(ctx context.Context, t time.Time) ([]string, error)
}

// Purger removes one job and notifies its observers
type Purger interface {
	Purge(ctx context.Context, runID string) error
}

// Vacuumer is implemented by stores that can reclaim space
type Vacuumer interface {
	Vacuum() error
}

// Stats tracks cleanup operations
type Stats struct {
	LastCleanupTime     time.Time
	LastVacuumTime      time.Time
	TotalJobsDeleted    int64
	TotalSwept          int64
	TotalVacuumRuns     int64
	LastCleanupDuration time.Duration
	LastVacuumDuration  time.Duration
}

type sweep struct {
	name string
	fn   func() int
}

// Manager handles automatic purging of old jobs and store maintenance
type Manager struct {
	config   Config
	finder   Finder
	purger   Purger
	vacuumer Vacuumer // nil when the store has nothing to reclaim
	logger   *logging.Logger
	now      func() time.Time
	pause    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	stats  Stats
	sweeps []sweep
}

// NewManager creates a cleanup manager. finder is also used for vacuuming
// when it implements Vacuumer.
func NewManager(config Config, finder Finder, purger Purger, logger *logging.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config: config,
		finder: finder,
		purger: purger,
		logger: logger.WithField("component", "cleanup"),
		now:    time.Now,
		pause:  100 * time.Millisecond,
		ctx:    ctx,
		cancel: cancel,
	}
	if v, ok := finder.(Vacuumer); ok {
		m.vacuumer = v
	}
	if m.config.BatchSize <= 0 {
		m.config.BatchSize = 100
	}
	return m
}

// AddSweep registers an in-memory housekeeping task run with every
// cleanup pass. fn returns how many entries it removed.
func (m *Manager) AddSweep(name string, fn func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps = append(m.sweeps, sweep{name: name, fn: fn})
}

// Start begins the automatic cleanup process
func (m *Manager) Start() {
	if !m.config.Enabled {
		m.logger.Info("Cleanup manager disabled", nil)
		return
	}
	m.logger.Info("Starting cleanup manager", logging.Fields{
		"max_age":  m.config.MaxAge.String(),
		"interval": m.config.Interval.String(),
	})

	m.wg.Add(1)
	go m.cleanupLoop()
	if m.vacuumer != nil && m.config.VacuumInterval > 0 {
		m.wg.Add(1)
		go m.vacuumLoop()
	}
}

// Stop gracefully stops the cleanup manager
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info("Cleanup manager stopped", nil)
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	select {
	case <-m.ctx.Done():
		return
	case <-time.After(m.config.InitialDelay):
	}
	m.CleanupNow(m.ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.CleanupNow(m.ctx)
		}
	}
}

func (m *Manager) vacuumLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.VacuumInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.VacuumNow()
		}
	}
}

// CleanupNow purges terminal jobs past retention and runs the sweeps.
// It returns the number of jobs purged.
func (m *Manager) CleanupNow(ctx context.Context) int {
	startTime := time.Now()
	cutoff := m.now().Add(-m.config.MaxAge)

	deleted := 0
	ids, err := m.finder.TerminalBefore(ctx, cutoff)
	if err != nil {
		m.logger.Error("Failed to list expired jobs", logging.Fields{"error": err.Error()})
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := m.purger.Purge(ctx, id); err != nil {
			m.logger.Warn("Failed to purge job", logging.Fields{"run_id": id, "error": err.Error()})
			continue
		}
		deleted++
		// spread large purges out so the store keeps serving requests
		if deleted%m.config.BatchSize == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(m.pause):
			}
		}
	}

	m.mu.RLock()
	sweeps := append([]sweep(nil), m.sweeps...)
	m.mu.RUnlock()
	swept := 0
	for _, s := range sweeps {
		n := s.fn()
		swept += n
		if n > 0 {
			m.logger.Debug("Sweep removed entries", logging.Fields{"sweep": s.name, "removed": n})
		}
	}

	duration := time.Since(startTime)
	m.mu.Lock()
	m.stats.LastCleanupTime = m.now()
	m.stats.LastCleanupDuration = duration
	m.stats.TotalJobsDeleted += int64(deleted)
	m.stats.TotalSwept += int64(swept)
	m.mu.Unlock()

	if deleted > 0 {
		m.logger.Info("Job cleanup complete", logging.Fields{"deleted": deleted, "duration": duration.String()})
	}
	return deleted
}

// VacuumNow performs store maintenance if the store supports it
func (m *Manager) VacuumNow() {
	if m.vacuumer == nil {
		return
	}
	startTime := time.Now()
	if err := m.vacuumer.Vacuum(); err != nil {
		m.logger.Error("Database vacuum failed", logging.Fields{"error": err.Error()})
		return
	}
	duration := time.Since(startTime)

	m.mu.Lock()
	m.stats.LastVacuumTime = m.now()
	m.stats.LastVacuumDuration = duration
	m.stats.TotalVacuumRuns++
	m.mu.Unlock()

	m.logger.Info("Database vacuum complete", logging.Fields{"duration": duration.String()})
}

// GetStats returns current cleanup statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
