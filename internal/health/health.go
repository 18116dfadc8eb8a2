package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status represents the health state of the supervised assistant.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Probe performs one liveness check. A nil error means healthy.
type Probe func(ctx context.Context) error

// Config holds health check timing.
type Config struct {
	Interval           time.Duration // time between checks
	Timeout            time.Duration // max time per check
	GracePeriod        time.Duration // delay before first check
	UnhealthyThreshold int           // consecutive failures before unhealthy
}

// Result is the outcome of a single health check.
type Result struct {
	Status   Status
	Message  string
	Duration time.Duration
	At       time.Time
}

// Monitor runs a probe periodically and tracks state.
type Monitor struct {
	cfg    Config
	probe  Probe
	logger *slog.Logger

	mu               sync.Mutex
	status           Status
	consecutiveFails int
	lastResult       *Result
	cancel           context.CancelFunc
	done             chan struct{}

	// onUnhealthy fires on the transition to unhealthy, onRecovered on the
	// way back.
	onUnhealthy func()
	onRecovered func()
}

// NewMonitor creates a health check monitor.
func NewMonitor(cfg Config, probe Probe, logger *slog.Logger, onUnhealthy, onRecovered func()) *Monitor {
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:         cfg,
		probe:       probe,
		logger:      logger,
		status:      StatusUnknown,
		onUnhealthy: onUnhealthy,
		onRecovered: onRecovered,
	}
}

// Start begins periodic health checking.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.run(ctx, done)
}

// Stop halts the health check loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// CurrentStatus returns the current health status.
func (m *Monitor) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastResult returns the most recent check result, or nil before the first.
func (m *Monitor) LastResult() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastResult == nil {
		return nil
	}
	r := *m.lastResult
	return &r
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.cancel = nil
		m.mu.Unlock()
		close(done)
	}()

	if m.cfg.GracePeriod > 0 {
		select {
		case <-time.After(m.cfg.GracePeriod):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.check(ctx)

	for {
		select {
		case <-ticker.C:
			m.check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := m.probe(checkCtx)
	elapsed := time.Since(start)

	// Don't record results from a cancelled context; the monitor is shutting down
	if ctx.Err() != nil {
		return
	}

	result := Result{Status: StatusHealthy, Message: "ok", Duration: elapsed, At: start}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	}

	m.mu.Lock()
	prevStatus := m.status
	m.lastResult = &result

	if result.Status == StatusHealthy {
		m.consecutiveFails = 0
		m.status = StatusHealthy
	} else {
		m.consecutiveFails++
		if m.consecutiveFails >= m.cfg.UnhealthyThreshold {
			m.status = StatusUnhealthy
		}
	}

	newStatus := m.status
	consecutiveFails := m.consecutiveFails
	m.mu.Unlock()

	if result.Status != StatusHealthy {
		m.logger.Warn("health check failed",
			"error", result.Message,
			"consecutive_fails", consecutiveFails,
			"threshold", m.cfg.UnhealthyThreshold,
		)
	}

	switch {
	case prevStatus != StatusUnhealthy && newStatus == StatusUnhealthy:
		m.logger.Error("assistant is unhealthy", "consecutive_fails", consecutiveFails)
		if m.onUnhealthy != nil {
			m.onUnhealthy()
		}
	case prevStatus == StatusUnhealthy && newStatus == StatusHealthy:
		m.logger.Info("assistant recovered")
		if m.onRecovered != nil {
			m.onRecovered()
		}
	}
}
