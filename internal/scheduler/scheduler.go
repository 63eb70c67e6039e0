package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/tenantbilling/internal/clock"
	obsmetrics "github.com/smallbiznis/tenantbilling/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobRenewal          = "renewal"
	JobExpireIncomplete = "expire_incomplete"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log             *zap.Logger
	SubscriptionSvc subscriptiondomain.Service
	Clock           clock.Clock
	Config          Config             `optional:"true"`
	Metrics         *obsmetrics.Billing `optional:"true"`
}

// Scheduler drives time-based lifecycle work: renewing subscriptions whose
// period has ended and expiring abandoned incomplete ones.
type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	clock           clock.Clock
	subscriptionSvc subscriptiondomain.Service
	metrics         *obsmetrics.Billing
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.SubscriptionSvc == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		clock:           p.Clock,
		subscriptionSvc: p.SubscriptionSvc,
		metrics:         p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context, run *jobRun) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx, run := s.startRun(ctx, name, s.cfg.BatchSize)
	s.logJobStart(ctx, run)
	s.metrics.IncJobRun(name)

	err := fn(ctx, run)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(name, err)
	// Deadline is a soft timeout; the next tick picks up the rest.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger(ctx).Warn("job timed out", zap.String("job", name), zap.Duration("timeout", s.cfg.JobTimeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context, *jobRun) error
	}{
		{JobRenewal, s.RenewalJob},
		{JobExpireIncomplete, s.ExpireIncompleteJob},
	}
	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables every job.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// RenewalJob renews every subscription due at the current time, one batch at
// a time. A version conflict means another worker got there first.
func (s *Scheduler) RenewalJob(ctx context.Context, run *jobRun) error {
	now := s.clock.Now()
	var jobErr error
	seen := map[string]struct{}{}

	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		ids, err := s.subscriptionSvc.ListDueForRenewal(ctx, now, s.cfg.BatchSize)
		if err != nil {
			s.logJobError(ctx, run, "scheduler.renewal.list_failed", err)
			return errors.Join(jobErr, err)
		}

		progressed := 0
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			progressed++

			result, err := s.subscriptionSvc.Renew(ctx, id)
			switch {
			case errors.Is(err, subscriptiondomain.ErrVersionConflict):
				run.IncSkipped()
			case err != nil:
				jobErr = errors.Join(jobErr, err)
				s.logJobError(ctx, run, "scheduler.renewal.failed", err, zap.String("subscription_id", id))
			case result.Outcome == subscriptiondomain.RenewOutcomeRenewed || result.Outcome == subscriptiondomain.RenewOutcomeCanceled:
				run.AddProcessed(1)
			default:
				run.IncSkipped()
			}
		}
		// Stop once a batch yields nothing new; failed or locked ids stay due.
		if progressed == 0 || len(ids) < s.cfg.BatchSize {
			break
		}
	}
	return jobErr
}

func (s *Scheduler) ExpireIncompleteJob(ctx context.Context, run *jobRun) error {
	expired, err := s.subscriptionSvc.ExpireIncomplete(ctx, s.clock.Now(), s.cfg.BatchSize)
	run.AddProcessed(expired)
	if err != nil {
		s.logJobError(ctx, run, "scheduler.expire_incomplete.failed", err)
	}
	return err
}
