// Package scheduler runs periodic ChatBridge maintenance on cron expressions.
//
// Its main job is re-running reconciliation for every served instance so
// config changes made directly in the database converge without an API call.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/ChatBridge/internal/reconcile"
)

// DefaultReconcileSchedule re-reconciles every minute.
const DefaultReconcileSchedule = "@every 1m"

// Task is a unit of scheduled work. The context is cancelled on Stop.
type Task func(ctx context.Context)

// Opts holds configuration options for the Scheduler.
type Opts struct {
	Location *time.Location
}

// Option defines a configuration option for the Scheduler.
type Option func(*Opts)

// WithLocation evaluates schedules in loc instead of the local time zone.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) {
		o.Location = loc
	}
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates and starts a cron scheduler. Panicking jobs are
// recovered and a job still running when its next tick fires is skipped.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := Opts{Location: time.Local}
	for _, opt := range opts {
		opt(&cfg)
	}
	// Standard 5-field cron plus descriptors like @every 30s.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := slogLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start()
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel}
}

// AddJob schedules task under name using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task Task) error {
	_, err := s.cron.AddFunc(expr, func() {
		start := time.Now()
		task(s.ctx)
		slog.Debug("Scheduler.AddJob: job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", expr, name, err)
	}
	slog.Info("Scheduler.AddJob: job scheduled", "job", name, "schedule", expr)
	return nil
}

// Reconciler converges the bridges of one instance.
type Reconciler interface {
	Reconcile(ctx context.Context, instance string) reconcile.Report
}

// AddReconcileJobs schedules one reconciliation job per instance.
func (s *Scheduler) AddReconcileJobs(expr string, r Reconciler, instances []string) error {
	for _, inst := range instances {
		err := s.AddJob("reconcile:"+inst, expr, func(ctx context.Context) {
			report := r.Reconcile(ctx, inst)
			if report.ListErr != nil {
				slog.Warn("Scheduler.reconcile: configs unavailable", "instance", inst, "error", report.ListErr)
				return
			}
			if failed := report.Failed(); len(failed) > 0 {
				slog.Warn("Scheduler.reconcile: bridges failed to converge", "instance", inst, "failed", len(failed))
			} else if n := report.Changed(); n > 0 {
				slog.Info("Scheduler.reconcile: converged", "instance", inst, "changed", n)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// slogLogger routes cron's own logging through slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
