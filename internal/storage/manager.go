package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/updown-recorder/internal/metrics"
)

// State is the Manager's lifecycle state.
type State int

const (
	StateIdle   State = iota // no window opened yet
	StateActive              // one window accepts writes
	StateClosed              // finalized; no further windows
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WindowStatus describes a window in the Manager's history.
type WindowStatus string

const (
	WindowActive   WindowStatus = "active"
	WindowDraining WindowStatus = "draining"
	WindowClosed   WindowStatus = "closed"
)

// WindowInfo is one entry of the rotation history.
type WindowInfo struct {
	Date     Date         `json:"date"`
	Status   WindowStatus `json:"status"`
	OpenedAt time.Time    `json:"opened_at"`
	ClosedAt time.Time    `json:"closed_at,omitempty"`
}

// Manager maintains the single active storage window.
//
// GetOrOpen, Sweep and Close are called by the writer goroutine only. State
// and Windows may be read from any goroutine.
type Manager struct {
	backend   Backend
	loc       *time.Location
	lateGrace time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu         sync.RWMutex
	state      State
	active     Window
	draining   Window
	drainUntil time.Time
	finalized  map[Date]struct{}
	history    []WindowInfo
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLocation sets the time zone that defines calendar days.
func WithLocation(loc *time.Location) Option {
	return func(m *Manager) {
		if loc != nil {
			m.loc = loc
		}
	}
}

// WithLateGrace keeps a retired window reachable for late events of its
// date. Zero finalizes it at rotation.
func WithLateGrace(d time.Duration) Option {
	return func(m *Manager) { m.lateGrace = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics counts rotations and late data.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a Manager over backend.
func NewManager(backend Backend, opts ...Option) *Manager {
	m := &Manager{
		backend:   backend,
		loc:       time.UTC,
		now:       time.Now,
		logger:    slog.Default(),
		finalized: make(map[Date]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "rotation", "backend", backend.Name())
	return m
}

// DateOf returns the storage date of t.
func (m *Manager) DateOf(t time.Time) Date {
	return DateOf(t, m.loc)
}

// GetOrOpen returns the window that accepts events of date.
//
//   - date equal to the active window: the active window
//   - date later than the active window: the next window is opened, then the
//     old one is retired (draining for the late grace, or finalized)
//   - date earlier than the active window: the draining window of that date,
//     otherwise ErrLateData
//
// A failure to open the next window returns a *RotationError and leaves the
// current active window in place.
func (m *Manager) GetOrOpen(ctx context.Context, date Date) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return nil, ErrWindowClosed
	}
	m.sweepLocked(ctx)

	if m.active == nil {
		if _, done := m.finalized[date]; done {
			return nil, fmt.Errorf("%w: window %s already finalized", ErrLateData, date)
		}
		w, err := m.backend.Open(ctx, date)
		if err != nil {
			return nil, &RotationError{To: date, Err: err}
		}
		m.active = w
		m.state = StateActive
		m.history = append(m.history, WindowInfo{Date: date, Status: WindowActive, OpenedAt: m.now()})
		m.logger.Info("storage window opened", "date", date)
		return w, nil
	}

	current := m.active.Date()
	switch {
	case date == current:
		return m.active, nil

	case current.Before(date):
		return m.rotateLocked(ctx, date)

	default:
		if m.draining != nil && m.draining.Date() == date {
			return m.draining, nil
		}
		return nil, fmt.Errorf("%w: date %s is before active window %s", ErrLateData, date, current)
	}
}

func (m *Manager) rotateLocked(ctx context.Context, date Date) (Window, error) {
	old := m.active

	// Open before retiring so a failed open leaves a writable window.
	next, err := m.backend.Open(ctx, date)
	if err != nil {
		m.logger.Error("storage rotation failed", "from", old.Date(), "to", date, "error", err)
		return nil, &RotationError{From: old.Date(), To: date, Err: err}
	}

	if m.draining != nil {
		m.finalizeLocked(ctx, m.draining)
		m.draining = nil
	}

	m.active = next
	m.history = append(m.history, WindowInfo{Date: date, Status: WindowActive, OpenedAt: m.now()})
	if m.metrics != nil {
		m.metrics.Rotation()
	}

	if m.lateGrace > 0 {
		m.draining = old
		m.drainUntil = m.now().Add(m.lateGrace)
		m.setStatusLocked(old.Date(), WindowDraining)
		m.logger.Info("storage window rotated",
			"from", old.Date(), "to", date, "late_grace", m.lateGrace)
	} else {
		m.finalizeLocked(ctx, old)
		m.logger.Info("storage window rotated", "from", old.Date(), "to", date)
	}
	return next, nil
}

// Sweep finalizes the draining window once its grace period has passed.
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(ctx)
}

func (m *Manager) sweepLocked(ctx context.Context) {
	if m.draining == nil || m.now().Before(m.drainUntil) {
		return
	}
	m.finalizeLocked(ctx, m.draining)
	m.draining = nil
}

// finalizeLocked closes w. Close errors are logged; the window is
// considered finalized either way so it is never reopened.
func (m *Manager) finalizeLocked(ctx context.Context, w Window) error {
	date := w.Date()
	err := w.Close(ctx)
	if err != nil {
		if m.metrics != nil {
			m.metrics.StorageFailure()
		}
		m.logger.Error("storage window finalize failed", "date", date, "error", err)
	} else {
		m.logger.Info("storage window finalized", "date", date)
	}
	m.finalized[date] = struct{}{}
	m.setStatusLocked(date, WindowClosed)
	return err
}

func (m *Manager) setStatusLocked(date Date, status WindowStatus) {
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].Date != date {
			continue
		}
		m.history[i].Status = status
		if status == WindowClosed {
			m.history[i].ClosedAt = m.now()
		}
		return
	}
}

// Close finalizes the draining and active windows. The Manager cannot be
// used afterward.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return nil
	}

	var errs []error
	if m.draining != nil {
		errs = append(errs, m.finalizeLocked(ctx, m.draining))
		m.draining = nil
	}
	if m.active != nil {
		errs = append(errs, m.finalizeLocked(ctx, m.active))
		m.active = nil
	}
	m.state = StateClosed
	return errors.Join(errs...)
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ActiveDate returns the active window's date, or "" when none is open.
func (m *Manager) ActiveDate() Date {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return ""
	}
	return m.active.Date()
}

// Windows returns the rotation history, oldest first.
func (m *Manager) Windows() []WindowInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WindowInfo, len(m.history))
	copy(out, m.history)
	return out
}
