// Package health tracks the reachability of the services a planning turn
// depends on (model providers, search backends). Each dependency is
// probed in the background: while it is down the probe retries with
// exponential backoff, and once it is up the probe settles into a slow
// poll. The API's /health endpoint reports the result.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Probe checks one dependency. nil means reachable.
type Probe func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	InitialDelay time.Duration // first retry after a failure
	MaxDelay     time.Duration // backoff ceiling
	PollInterval time.Duration // between probes while healthy
	Timeout      time.Duration // per probe
}

// DefaultSchedule retries at 2s, 4s, 8s ... up to a minute and polls a
// healthy dependency once a minute.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
		PollInterval: time.Minute,
		Timeout:      10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// Status is the last known state of one dependency.
type Status struct {
	Ready     bool      `json:"ready"`
	Checks    int       `json:"checks"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Monitor probes a set of named dependencies.
type Monitor struct {
	schedule Schedule
	logger   *slog.Logger

	mu     sync.Mutex
	status map[string]Status
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. Zero schedule fields take the defaults.
func NewMonitor(schedule Schedule, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		schedule: schedule.withDefaults(),
		logger:   logger.With("component", "health"),
		status:   make(map[string]Status),
	}
}

// Watch starts probing name until ctx is done. The first probe runs
// immediately.
func (m *Monitor) Watch(ctx context.Context, name string, probe Probe) {
	m.mu.Lock()
	m.status[name] = Status{}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, name, probe)
	}()
}

// Wait blocks until every watch has stopped.
func (m *Monitor) Wait() { m.wg.Wait() }

func (m *Monitor) run(ctx context.Context, name string, probe Probe) {
	delay := m.schedule.InitialDelay
	for {
		pctx, cancel := context.WithTimeout(ctx, m.schedule.Timeout)
		err := probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		m.record(name, err)

		wait := m.schedule.PollInterval
		if err != nil {
			wait = delay
			delay = min(delay*2, m.schedule.MaxDelay)
		} else {
			delay = m.schedule.InitialDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Monitor) record(name string, err error) {
	m.mu.Lock()
	prev := m.status[name]
	next := Status{Ready: err == nil, Checks: prev.Checks + 1, LastCheck: time.Now()}
	if err != nil {
		next.LastError = err.Error()
	}
	m.status[name] = next
	m.mu.Unlock()

	switch {
	case next.Ready && (!prev.Ready || prev.Checks == 0):
		m.logger.Info("dependency reachable", "dependency", name, "checks", next.Checks)
	case !next.Ready && (prev.Ready || prev.Checks == 0):
		m.logger.Warn("dependency unreachable", "dependency", name, "error", err)
	case !next.Ready:
		m.logger.Debug("dependency still unreachable", "dependency", name, "error", err)
	}
}

// Status returns a copy of every dependency's state.
func (m *Monitor) Status() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.status))
	for k, v := range m.status {
		out[k] = v
	}
	return out
}

// Healthy reports whether every dependency answered its last probe.
// A dependency that has not been probed yet counts as unhealthy.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.status {
		if !s.Ready {
			return false
		}
	}
	return true
}
