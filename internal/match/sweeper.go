package match

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/blockwarriors/arena/internal/domain"
	"github.com/go-co-op/gocron/v2"
)

// SweepConfig controls stale match reclamation
type SweepConfig struct {
	Interval   time.Duration
	QueueAge   time.Duration
	WaitingAge time.Duration // 0 leaves Waiting matches alone

	// OnTerminated, if set, receives the IDs of every match a sweep terminated
	OnTerminated func(matchIDs []string)
}

// Sweeper terminates matches abandoned before they started
type Sweeper struct {
	store Store
	cfg   SweepConfig
	now   func() time.Time
	sched gocron.Scheduler
}

// NewSweeper creates a sweeper; call Start to schedule it
func NewSweeper(store Store, cfg SweepConfig) *Sweeper {
	return &Sweeper{store: store, cfg: cfg, now: time.Now}
}

// RunOnce terminates Queuing matches older than QueueAge and, when
// WaitingAge is set, Waiting matches older than that
func (s *Sweeper) RunOnce(ctx context.Context) ([]string, error) {
	now := s.now()
	terminated, err := s.store.TerminateStaleMatches(ctx, domain.StatusQueuing, now.Add(-s.cfg.QueueAge))
	if err != nil {
		return nil, fmt.Errorf("sweeping queued matches: %w", err)
	}

	if s.cfg.WaitingAge > 0 {
		waiting, err := s.store.TerminateStaleMatches(ctx, domain.StatusWaiting, now.Add(-s.cfg.WaitingAge))
		if err != nil {
			return terminated, fmt.Errorf("sweeping waiting matches: %w", err)
		}
		terminated = append(terminated, waiting...)
	}

	if len(terminated) > 0 {
		log.Printf("[Sweeper] terminated %d stale match(es): %v", len(terminated), terminated)
		if s.cfg.OnTerminated != nil {
			s.cfg.OnTerminated(terminated)
		}
	}
	return terminated, nil
}

// Start schedules RunOnce every Interval until Stop
func (s *Sweeper) Start(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.Interval),
		gocron.NewTask(func() {
			if _, err := s.RunOnce(ctx); err != nil {
				log.Printf("[Sweeper] %v", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		sched.Shutdown()
		return fmt.Errorf("scheduling sweep: %w", err)
	}

	s.sched = sched
	sched.Start()
	log.Printf("[Sweeper] running every %v (queue age %v, waiting age %v)", s.cfg.Interval, s.cfg.QueueAge, s.cfg.WaitingAge)
	return nil
}

// Stop shuts the scheduler down, waiting for a running sweep to finish
func (s *Sweeper) Stop() {
	if s.sched == nil {
		return
	}
	if err := s.sched.Shutdown(); err != nil {
		log.Printf("[Sweeper] shutdown: %v", err)
	}
}
