package maintenance

import (
	"context"
	"fmt"
	"log"
	"time"

	"devicehub-backend/config"
	"devicehub-backend/internal/engine"
	"devicehub-backend/internal/parse"
)

// Cleaner frees devices in bulk.
type Cleaner interface {
	Cleanup(ctx context.Context, keepLongTerm bool) ([]engine.Outcome, error)
}

// Scheduler runs the daily cleanup pass at a fixed wall-clock time.
type Scheduler struct {
	cfg     config.MaintenanceConfig
	cleaner Cleaner
	at      parse.Clock
	loc     *time.Location
	now     func() time.Time
	onPass  []func()
}

// NewScheduler validates the cleanup time and timezone.
func NewScheduler(cfg config.MaintenanceConfig, cleaner Cleaner) (*Scheduler, error) {
	at, err := parse.ParseClock(cfg.CleanupTime)
	if err != nil {
		return nil, fmt.Errorf("invalid maintenance.cleanup_time: %w", err)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", cfg.Timezone, err)
	}
	return &Scheduler{cfg: cfg, cleaner: cleaner, at: at, loc: loc, now: time.Now}, nil
}

// OnPass registers fn to run after every pass that completed.
func (s *Scheduler) OnPass(fn func()) {
	s.onPass = append(s.onPass, fn)
}

// NextRun returns when the next pass is due.
func (s *Scheduler) NextRun() time.Time {
	return s.at.Next(s.now().In(s.loc))
}

// Run waits for each daily slot and runs a pass until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		log.Println("Daily cleanup is disabled. Not starting.")
		return
	}
	next := s.NextRun()
	log.Printf("Daily cleanup scheduled at %s %s, next run %s", s.at, s.loc, next.Format(time.RFC3339))

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Daily cleanup shutting down.")
			return
		case <-timer.C:
			s.RunOnce(ctx)
			timer.Reset(time.Until(s.NextRun()))
		}
	}
}

// RunOnce performs a single pass, leaving running long-term reservations alone.
func (s *Scheduler) RunOnce(ctx context.Context) []engine.Outcome {
	log.Println("Executing daily cleanup...")
	outcomes, err := s.cleaner.Cleanup(ctx, true)
	if err != nil {
		log.Printf("Daily cleanup aborted: %v", err)
		return nil
	}

	var freed, skipped, failed int
	for _, o := range outcomes {
		switch {
		case !o.Success:
			failed++
			log.Printf("Daily cleanup of device %d failed: %s", o.DeviceID, o.Message)
		case o.Skipped:
			skipped++
		default:
			freed++
		}
	}
	log.Printf("Daily cleanup finished: %d freed, %d long-term kept, %d failed", freed, skipped, failed)
	for _, fn := range s.onPass {
		fn()
	}
	return outcomes
}
