package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "epdagenda/internal/log"
)

// cronLogger routes cron's own messages to the app log.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}

// Scheduler runs the periodic jobs: feed refreshes and forced redraws.
// A job still running when its next slot comes up is skipped.
type Scheduler struct {
	c *cron.Cron
}

// NewScheduler returns a stopped scheduler evaluating specs in loc.
func NewScheduler(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	l := cronLogger{}
	return &Scheduler{
		c: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
	}
}

// Add registers job under a five field cron spec.
func (s *Scheduler) Add(name, spec string, job func()) error {
	_, err := s.c.AddFunc(spec, func() {
		appLog.Debug("job start", "job", name)
		job()
	})
	if err != nil {
		return fmt.Errorf("feed: schedule %s %q: %w", name, spec, err)
	}
	appLog.Info("job scheduled", "job", name, "spec", spec)
	return nil
}

// AddRefresh schedules f.Refresh with a per-run timeout.
func (s *Scheduler) AddRefresh(ctx context.Context, spec string, f *Feed) error {
	return s.Add("feed refresh", spec, func() {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := f.Refresh(runCtx); err != nil {
			appLog.Error("feed refresh failed", err)
		}
	})
}

// Len is the number of registered jobs.
func (s *Scheduler) Len() int { return len(s.c.Entries()) }

func (s *Scheduler) Start() { s.c.Start() }

// Stop stops scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}
