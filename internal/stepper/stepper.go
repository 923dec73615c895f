// Package stepper drives simulated time. While running it publishes
// time_step events pacing the simulated clock from a start to an end
// time, compressed by a speed factor relative to wall time.
package stepper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"papertrade/internal/bus"
	"papertrade/internal/event"
)

// correctionWindow is the number of steps between drift measurements.
const correctionWindow = 25

// Config bounds one simulation run.
type Config struct {
	// From and To bound the simulated time span.
	From time.Time
	To   time.Time
	// Speed is simulated seconds per wall second.
	Speed float64
	// Freq is time_step emissions per wall second.
	Freq float64
}

func (c Config) validate() error {
	if !c.To.After(c.From) {
		return fmt.Errorf("simulation span is empty: from %s to %s", c.From, c.To)
	}
	if c.Speed <= 0 {
		return fmt.Errorf("invalid speed: %v", c.Speed)
	}
	if c.Freq <= 0 {
		return fmt.Errorf("invalid freq: %v", c.Freq)
	}
	return nil
}

// Stepper is an idle/running state machine toggled by sim_start and
// sim_stop events. Only one run is active at a time; a sim_start while
// running is a logged no-op.
type Stepper struct {
	emitter bus.Emitter
	logger  *zap.Logger
	cfg     Config

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stepper.
func New(emitter bus.Emitter, cfg Config, logger *zap.Logger) (*Stepper, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Stepper{emitter: emitter, logger: logger, cfg: cfg}, nil
}

// Run parks the stepper until ctx is cancelled. Simulation runs started
// by sim_start inherit ctx.
func (s *Stepper) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	<-ctx.Done()
	s.stop()
	return ctx.Err()
}

// OnEvent toggles the simulation from bus control events.
func (s *Stepper) OnEvent(_ context.Context, e event.Event) error {
	switch e.Type() {
	case event.TypeSimStart:
		s.start()
	case event.TypeSimStop:
		s.stop()
	}
	return nil
}

func (s *Stepper) start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.baseCtx == nil {
		s.logger.Error("sim_start before stepper is running")
		return
	}
	if s.done != nil {
		s.logger.Warn("simulation already running, ignoring sim_start")
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	s.logger.Info("simulation starting",
		zap.Time("from", s.cfg.From),
		zap.Time("to", s.cfg.To),
		zap.Float64("speed", s.cfg.Speed),
		zap.Float64("freq", s.cfg.Freq),
	)

	go func() {
		defer close(done)
		err := s.step(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("simulation failed", zap.Error(err))
		}

		s.mu.Lock()
		if s.done == done {
			s.cancel = nil
			s.done = nil
		}
		s.mu.Unlock()

		if err == nil {
			// Natural completion announces itself so downstream
			// processes can wind down.
			if err := s.emitter.Emit(context.Background(), event.SimStop{EventTime: event.Now()}); err != nil {
				s.logger.Error("failed to emit sim_stop", zap.Error(err))
			}
			s.logger.Info("simulation complete")
		}
	}()
}

func (s *Stepper) stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("simulation stopped")
}

// step paces the simulated clock. Sleeps are relative with a correction
// factor recomputed every correctionWindow steps from planned versus
// actual elapsed time, so scheduler jitter and emit latency do not
// accumulate into drift.
func (s *Stepper) step(ctx context.Context) error {
	simPerStep := s.cfg.Speed / s.cfg.Freq
	span := s.cfg.To.Sub(s.cfg.From).Seconds()
	steps := int(math.Ceil(span / simPerStep))

	interval := time.Duration(float64(time.Second) / s.cfg.Freq)
	correction := 1.0
	windowStart := time.Now()

	for i := 1; i <= steps; i++ {
		sleep := time.Duration(float64(interval) * correction)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		simTime := s.cfg.From.Add(time.Duration(float64(i) * simPerStep * float64(time.Second)))
		if simTime.After(s.cfg.To) {
			simTime = s.cfg.To
		}

		stepEvent := event.TimeStep{
			EventTime: event.Now(),
			Timestamp: float64(simTime.UnixNano()) / 1e9,
		}
		if err := s.emitter.Emit(ctx, stepEvent); err != nil && !errors.Is(err, bus.ErrBusy) {
			s.logger.Error("failed to emit time_step", zap.Error(err))
		}

		if i%correctionWindow == 0 {
			planned := time.Duration(correctionWindow) * interval
			actual := time.Since(windowStart)
			if actual > 0 {
				correction *= float64(planned) / float64(actual)
				correction = math.Max(0.25, math.Min(correction, 4.0))
			}
			windowStart = time.Now()
		}
	}

	return nil
}
