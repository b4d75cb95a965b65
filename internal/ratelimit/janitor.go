package ratelimit

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
)

// Janitor periodically drops expired windows from a Limiter.
type Janitor struct {
	scheduler gocron.Scheduler
}

// StartJanitor schedules l.Cleanup every interval and starts the scheduler.
func StartJanitor(l *Limiter, interval time.Duration) (*Janitor, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if n := l.Cleanup(); n > 0 {
				log.Debug().Int("removed", n).Int("tracked", l.Len()).Msg("Rate limit windows cleaned up")
			}
		}),
		gocron.WithName("ratelimit-cleanup"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("schedule cleanup: %w", err)
	}

	s.Start()
	log.Info().Str("interval", interval.String()).Msg("Rate limit janitor started")
	return &Janitor{scheduler: s}, nil
}

// Stop shuts the scheduler down.
func (j *Janitor) Stop() error {
	return j.scheduler.Shutdown()
}
