package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jordanlanch/docvault/pkg/locks"
	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/retention"
	"github.com/robfig/cron/v3"
)

// Job names
const (
	JobDunning   = "dunning-escalation"
	JobReset     = "usage-reset"
	JobRetention = "retention-sweep"
	JobDrift     = "drift-check"
)

// Escalator advances dunning for every open episode
type Escalator interface {
	EscalateAll(ctx context.Context) (int, error)
}

// Resetter resets usage counters whose period has passed
type Resetter interface {
	ResetAllDue(ctx context.Context) (int, error)
}

// Sweeper deletes documents above the entitled limit
type Sweeper interface {
	Sweep(ctx context.Context) (retention.Report, error)
}

// Schedules holds the cron spec of every job. An empty spec disables the job.
type Schedules struct {
	Dunning   string
	Reset     string
	Retention string
	Drift     string
}

// Dependencies are the services the jobs drive
type Dependencies struct {
	Escalator Escalator
	Resetter  Resetter
	Sweeper   Sweeper
	Drift     *DriftMonitor
}

type job struct {
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

// CronManager manages scheduled jobs
type CronManager struct {
	cron   *cron.Cron
	jobs   map[string]job
	locker locks.Locker
	log    logger.Logger
}

// NewCronManager creates a new cron manager. When locker is shared between
// replicas, a job runs on one replica at a time.
func NewCronManager(deps Dependencies, schedules Schedules, locker locks.Locker, log logger.Logger) *CronManager {
	if log == nil {
		log = logger.Default()
	}
	cl := cronLogger{log: log}

	cm := &CronManager{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:   make(map[string]job),
		locker: locker,
		log:    log,
	}

	if deps.Escalator != nil {
		cm.jobs[JobDunning] = job{spec: schedules.Dunning, timeout: 10 * time.Minute, run: func(ctx context.Context) error {
			n, err := deps.Escalator.EscalateAll(ctx)
			cm.log.Info("dunning escalation job done", "escalated", n)
			return err
		}}
	}
	if deps.Resetter != nil {
		cm.jobs[JobReset] = job{spec: schedules.Reset, timeout: 10 * time.Minute, run: func(ctx context.Context) error {
			n, err := deps.Resetter.ResetAllDue(ctx)
			cm.log.Info("usage reset job done", "reset", n)
			return err
		}}
	}
	if deps.Sweeper != nil {
		cm.jobs[JobRetention] = job{spec: schedules.Retention, timeout: time.Hour, run: func(ctx context.Context) error {
			_, err := deps.Sweeper.Sweep(ctx)
			return err
		}}
	}
	if deps.Drift != nil {
		cm.jobs[JobDrift] = job{spec: schedules.Drift, timeout: 30 * time.Minute, run: func(ctx context.Context) error {
			_, err := deps.Drift.Run(ctx)
			return err
		}}
	}
	return cm
}

// SetupJobs registers every job that has a schedule
func (cm *CronManager) SetupJobs() error {
	for _, name := range cm.Jobs() {
		j := cm.jobs[name]
		if j.spec == "" {
			cm.log.Info("cron job disabled", "job", name)
			continue
		}
		if _, err := cm.cron.AddFunc(j.spec, func() {
			if err := cm.RunJob(context.Background(), name); err != nil {
				cm.log.Error("cron job failed", "job", name, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid schedule %q for %s: %w", j.spec, name, err)
		}
		cm.log.Info("cron job scheduled", "job", name, "spec", j.spec)
	}
	return nil
}

// RunJob runs one job now. If another replica holds the job's lock the run
// is skipped.
func (cm *CronManager) RunJob(ctx context.Context, name string) error {
	j, ok := cm.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}

	if cm.locker != nil {
		lockCtx, cancel := context.WithTimeout(ctx, time.Second)
		unlock, err := cm.locker.Lock(lockCtx, "job:"+name)
		cancel()
		if errors.Is(err, locks.ErrLockTimeout) {
			cm.log.Info("cron job already running elsewhere, skipping", "job", name)
			return nil
		}
		if err != nil {
			return err
		}
		defer unlock()
	}

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := time.Now()
	cm.log.Info("cron job started", "job", name)
	if err := j.run(ctx); err != nil {
		return err
	}
	cm.log.Info("cron job completed", "job", name, "duration", time.Since(start).String())
	return nil
}

// Jobs returns the registered job names in order
func (cm *CronManager) Jobs() []string {
	names := make([]string, 0, len(cm.jobs))
	for name := range cm.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start starts the cron scheduler
func (cm *CronManager) Start() {
	cm.log.Info("starting cron scheduler", "jobs", len(cm.cron.Entries()))
	cm.cron.Start()
}

// Stop stops the scheduler and waits for running jobs until ctx is done
func (cm *CronManager) Stop(ctx context.Context) {
	cm.log.Info("stopping cron scheduler")
	select {
	case <-cm.cron.Stop().Done():
	case <-ctx.Done():
		cm.log.Warn("cron jobs still running at shutdown")
	}
}

// cronLogger adapts logger.Logger to cron.Logger
type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
