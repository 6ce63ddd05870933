package license

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// passTimeout bounds one background validation pass, registry round trip
// included.
const passTimeout = 90 * time.Second

// StatusSink receives validation outcomes for push to the shell. The
// websocket hub implements it; a nil sink drops outcomes.
type StatusSink interface {
	PublishLicenseStatus(outcome *ValidationOutcome)
}

// Scheduler revalidates the license in the background on a tier-derived
// interval: hourly for trials, daily for standard, weekly for premium. The
// interval is re-read after every pass so a tier change in the registry
// takes effect without a restart.
type Scheduler struct {
	manager *Manager
	sink    StatusSink
	logger  *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewScheduler wires the background revalidation loop.
func NewScheduler(manager *Manager, sink StatusSink, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		manager:  manager,
		sink:     sink,
		logger:   logger.With(slog.String("component", "license_scheduler")),
		stopChan: make(chan struct{}),
	}
}

// Start spawns the revalidation goroutine. The first pass runs one full
// interval after start; the startup validation already covered now.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run()
}

// Stop terminates the loop. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

func (s *Scheduler) run() {
	interval := s.nextInterval()
	s.logger.Info("background revalidation started",
		slog.Duration("interval", interval))

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.runPass()
			timer.Reset(s.nextInterval())
		case <-s.stopChan:
			s.logger.Info("background revalidation stopped")
			return
		}
	}
}

// runPass executes one background validation with panic recovery. A panic
// in a validation pass must not take the shell down.
func (s *Scheduler) runPass() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("background validation panicked",
				slog.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
	defer cancel()

	outcome := s.manager.ValidateBackground(ctx)

	s.logger.Info("background validation pass",
		slog.String("result", outcome.Result),
		slog.Bool("offline", outcome.Offline),
		slog.String("warning", outcome.Warning))

	if s.sink != nil {
		s.sink.PublishLicenseStatus(outcome)
	}
}

// nextInterval derives the pass interval from the active record's tier.
// Without a usable record the standard interval applies; the pass itself
// reports not-activated.
func (s *Scheduler) nextInterval() time.Duration {
	rec, err := s.manager.store.Load()
	if err != nil {
		if !errors.Is(err, ErrNotActivated) && !errors.Is(err, ErrRecordTampered) {
			s.logger.Warn("interval lookup failed, using standard interval",
				slog.String("error", err.Error()))
		}
		return StandardInterval
	}
	return ValidationInterval(rec.Tier)
}
