// Package scheduler switches ECU polling on and off along a daily window and
// re-arms the optional histograms at midnight.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resident-x/go-apsecu/internal/config"
	"github.com/rs/zerolog"
)

// Command names understood by the engine.
const (
	commandPolling    = "polling"
	commandRefreshAll = "refresh_all"
)

// Controller receives the scheduled commands.
type Controller interface {
	OnExternalCommand(name, value string) error
}

// Window is a daily time window given as minutes since midnight. A window
// whose stop lies before its start spans midnight.
type Window struct {
	Start int
	Stop  int
}

// ParseWindow parses two HH:MM clock times.
func ParseWindow(start, stop string) (Window, error) {
	s, err := parseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := parseClock(stop)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: s, Stop: e}, nil
}

func parseClock(value string) (int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("clock time %q is not HH:MM: %w", value, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	minute := t.Hour()*60 + t.Minute()
	switch {
	case w.Start == w.Stop:
		return true
	case w.Start < w.Stop:
		return minute >= w.Start && minute < w.Stop
	default:
		return minute >= w.Start || minute < w.Stop
	}
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.Stop/60, w.Stop%60)
}

// SchedulerConfig holds configuration for the daily scheduler.
type SchedulerConfig struct {
	// WindowEnabled switches polling along Window. Without it only the
	// midnight refresh runs.
	WindowEnabled bool
	Window        Window
	CheckInterval time.Duration
	Location      *time.Location
}

// ConfigFromApp builds a SchedulerConfig from the application config.
func ConfigFromApp(cfg *config.Config) (*SchedulerConfig, error) {
	sc := &SchedulerConfig{
		WindowEnabled: cfg.Schedule.Enabled,
		CheckInterval: time.Duration(cfg.Schedule.CheckIntervalSecond) * time.Second,
		Location:      cfg.Location(),
	}
	if sc.WindowEnabled {
		window, err := ParseWindow(cfg.Schedule.Start, cfg.Schedule.Stop)
		if err != nil {
			return nil, fmt.Errorf("schedule: %w", err)
		}
		sc.Window = window
	}
	return sc, nil
}

// DailyScheduler evaluates the window on every tick and sends a polling
// command on each transition.
type DailyScheduler struct {
	controller Controller
	config     SchedulerConfig
	logger     zerolog.Logger
	now        func() time.Time

	mutex     sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	inWindow  *bool
	lastDay   string

	commandsExecuted atomic.Int64
	commandsFailed   atomic.Int64
}

// New creates a daily scheduler.
func New(controller Controller, cfg *SchedulerConfig, logger zerolog.Logger) *DailyScheduler {
	c := *cfg
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return &DailyScheduler{
		controller: controller,
		config:     c,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		now:        time.Now,
	}
}

// Start evaluates the schedule once and then on every check interval.
func (s *DailyScheduler) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.isRunning = true

	s.wg.Add(1)
	go s.loop(ctx)

	event := s.logger.Info().Dur("check_interval", s.config.CheckInterval)
	if s.config.WindowEnabled {
		event = event.Stringer("window", s.config.Window)
	}
	event.Msg("Scheduler started")
	return nil
}

// Stop shuts down the scheduler.
func (s *DailyScheduler) Stop() error {
	s.mutex.Lock()
	if !s.isRunning {
		s.mutex.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	s.cancel()
	s.isRunning = false
	s.mutex.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

func (s *DailyScheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	s.Tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick evaluates the schedule against the current time.
func (s *DailyScheduler) Tick() {
	now := s.now().In(s.config.Location)

	s.mutex.Lock()
	day := now.Format("2006-01-02")
	dayChanged := s.lastDay != "" && s.lastDay != day
	s.lastDay = day

	var switchTo *bool
	if s.config.WindowEnabled {
		in := s.config.Window.Contains(now)
		if s.inWindow == nil || *s.inWindow != in {
			switchTo = &in
		}
		s.inWindow = &in
	}
	s.mutex.Unlock()

	if dayChanged {
		s.send(commandRefreshAll, "")
	}
	if switchTo != nil {
		value := "off"
		if *switchTo {
			value = "on"
		}
		s.send(commandPolling, value)
	}
}

func (s *DailyScheduler) send(name, value string) {
	logger := s.logger.With().Str("command", name).Str("value", value).Logger()
	if err := s.controller.OnExternalCommand(name, value); err != nil {
		s.commandsFailed.Add(1)
		logger.Warn().Err(err).Msg("Scheduled command failed")
		return
	}
	s.commandsExecuted.Add(1)
	logger.Info().Msg("Scheduled command executed")
}

// GetMetrics returns scheduler counters.
func (s *DailyScheduler) GetMetrics() map[string]interface{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	metrics := map[string]interface{}{
		"is_running":        s.isRunning,
		"commands_executed": s.commandsExecuted.Load(),
		"commands_failed":   s.commandsFailed.Load(),
		"window_enabled":    s.config.WindowEnabled,
	}
	if s.inWindow != nil {
		metrics["in_window"] = *s.inWindow
	}
	return metrics
}
