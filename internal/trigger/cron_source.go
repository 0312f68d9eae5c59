package trigger

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CronSource is a local/dev trigger source that fires an Adapter on a cron
// schedule instead of waiting for an external scheduler call. It is not a
// replacement for the production scheduler contract (spec.md §6) — it
// exists so cmd/server has something runnable standalone, grounded on the
// teacher's own Scheduler.AddJob wrapper.
type CronSource struct {
	cron        *cron.Cron
	adapter     *Adapter
	environment string
	log         zerolog.Logger
}

// NewCronSource builds a CronSource that invokes adapter for environment
// on schedule (standard 6-field cron.WithSeconds syntax, e.g. "0 0 22 * * MON-FRI").
func NewCronSource(schedule string, environment string, adapter *Adapter, log zerolog.Logger) (*CronSource, error) {
	c := cron.New(cron.WithSeconds())
	src := &CronSource{
		cron:        c,
		adapter:     adapter,
		environment: environment,
		log:         log.With().Str("component", "cron_source").Logger(),
	}

	_, err := c.AddFunc(schedule, src.fire)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (s *CronSource) fire() {
	runID := time.Now().UTC().Format("20060102T150405Z")
	inv := Invocation{
		Environment:    s.environment,
		LogicalDate:    time.Now(),
		SchedulerRunID: runID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	status, err := s.adapter.Invoke(ctx, inv)
	if err != nil {
		s.log.Error().Err(err).Str("run_id", runID).Msg("cron-triggered run failed")
		return
	}
	s.log.Info().Str("run_id", runID).Str("status", status).Msg("cron-triggered run finished")
}

// Start begins firing on the configured schedule.
func (s *CronSource) Start() {
	s.cron.Start()
	s.log.Info().Msg("cron trigger source started")
}

// Stop waits for any in-flight run to finish, then halts the scheduler.
func (s *CronSource) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("cron trigger source stopped")
}
