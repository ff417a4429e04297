package services

import (
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// PresenceSweeper periodically drops registry entries whose connection has
// already closed. Removal goes through the guarded Unregister, so a newer
// connection registered in the meantime is never touched.
type PresenceSweeper struct {
	presence  *PresenceRegistry
	scheduler gocron.Scheduler
	interval  time.Duration
}

// NewPresenceSweeper creates a sweeper running every interval
func NewPresenceSweeper(presence *PresenceRegistry, interval time.Duration) (*PresenceSweeper, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &PresenceSweeper{
		presence:  presence,
		scheduler: scheduler,
		interval:  interval,
	}, nil
}

// Start registers the sweep job and starts the scheduler
func (s *PresenceSweeper) Start() error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			s.Sweep()
		}),
		gocron.WithName("presence_sweeper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule presence sweeper: %w", err)
	}

	s.scheduler.Start()
	log.Printf("🧹 [PRESENCE] Sweeper started (every %s)", s.interval)
	return nil
}

// Sweep removes entries whose connection is closed and returns how many went
func (s *PresenceSweeper) Sweep() int {
	removed := 0
	for userID, conn := range s.presence.Entries() {
		if conn.IsClosed() && s.presence.Unregister(userID, conn) {
			removed++
		}
	}
	if removed > 0 {
		log.Printf("🧹 [PRESENCE] Swept %d stale entr(ies), %d user(s) present", removed, s.presence.Count())
	}
	return removed
}

// Stop shuts the scheduler down
func (s *PresenceSweeper) Stop() error {
	return s.scheduler.Shutdown()
}
