// Package digest periodically emails each user a summary of their unread notifications.
package digest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/soundchain/notifier/internal/cache"
	"github.com/soundchain/notifier/internal/jobs"
	"github.com/soundchain/notifier/internal/models"
	"github.com/soundchain/notifier/internal/store"
	"github.com/soundchain/notifier/pkg/config"
	"github.com/soundchain/notifier/pkg/logging"
	"github.com/soundchain/notifier/pkg/telemetry"
)

// QueueName is the job queue the digest scheduler owns
const QueueName = "notifications-digest"

// errNothingToSend marks a candidate whose unread activity was read or hidden before delivery
var errNothingToSend = errors.New("no unread activity")

// DeliveryError is one user's digest failure
type DeliveryError struct {
	UserID int64
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("digest for user %d: %v", e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Report summarises one run
type Report struct {
	Candidates int
	Sent       int
	// Skipped users are not yet due under their email frequency or had nothing left to send
	Skipped  int
	Failures []*DeliveryError
}

// Scheduler sends digests for every user with unread activity since their watermark
type Scheduler struct {
	store    store.Digests
	mailer   Mailer
	workers  int
	pageSize int
	runner   *jobs.Runner

	sent   metric.Int64Counter
	now    func() time.Time
	logger *zap.Logger
}

// NewScheduler creates a digest scheduler; locker may be nil
func NewScheduler(cfg *config.DigestConfig, st store.Digests, mailer Mailer, locker cache.Locker, lockTTL time.Duration) *Scheduler {
	logger := logging.WithComponent("digest")

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}

	sent, err := telemetry.Meter().Int64Counter("notifier_digests_sent_total",
		metric.WithDescription("Digest deliveries by outcome"))
	if err != nil {
		logger.Warn("Failed to create metric", zap.String("metric", "notifier_digests_sent_total"), zap.Error(err))
	}

	return &Scheduler{
		store:    st,
		mailer:   mailer,
		workers:  workers,
		pageSize: pageSize,
		runner:   jobs.NewRunner(QueueName, cfg.Interval, locker, lockTTL),
		sent:     sent,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// Start runs RunOnce now and then every interval until ctx is done
func (s *Scheduler) Start(ctx context.Context) *jobs.Handle {
	return s.runner.Start(ctx, jobs.TaskFunc(func(ctx context.Context) error {
		_, err := s.RunOnce(ctx)
		return err
	}))
}

// RunOnce digests every pending user. Per-user failures are collected in the
// report; the returned error is only set when users could not be listed.
func (s *Scheduler) RunOnce(ctx context.Context) (report Report, err error) {
	ctx, span := telemetry.StartSpan(ctx, "digest.run")
	defer func() {
		span.SetAttributes(
			attribute.Int("candidates", report.Candidates),
			attribute.Int("sent", report.Sent),
			attribute.Int("failed", len(report.Failures)))
		telemetry.EndSpan(span, err)
	}()

	runStart := s.now()
	var mu sync.Mutex

	var afterID int64
	for {
		candidates, err := s.store.PendingDigests(ctx, afterID, s.pageSize)
		if err != nil {
			return report, fmt.Errorf("failed to list pending digests after user %d: %w", afterID, err)
		}
		report.Candidates += len(candidates)

		p := pool.New().WithMaxGoroutines(s.workers)
		for _, c := range candidates {
			c := c
			if !due(c, runStart) {
				mu.Lock()
				report.Skipped++
				mu.Unlock()
				continue
			}
			p.Go(func() {
				err := s.deliver(ctx, c, runStart)

				mu.Lock()
				defer mu.Unlock()
				if errors.Is(err, errNothingToSend) {
					report.Skipped++
					return
				}
				if err != nil {
					report.Failures = append(report.Failures, &DeliveryError{UserID: c.User.ID, Err: err})
					return
				}
				report.Sent++
			})
		}
		p.Wait()

		if len(candidates) < s.pageSize {
			break
		}
		afterID = candidates[len(candidates)-1].User.ID
	}

	for _, f := range report.Failures {
		s.logger.Warn("Digest delivery failed", zap.Int64("user_id", f.UserID), zap.Error(f.Err))
	}
	s.logger.Info("Digest run finished",
		zap.Int("candidates", report.Candidates),
		zap.Int("sent", report.Sent),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", len(report.Failures)))

	return report, nil
}

// deliver sends one user's digest and moves their watermark to runStart
func (s *Scheduler) deliver(ctx context.Context, c store.DigestCandidate, runStart time.Time) (err error) {
	defer func() { s.record(ctx, err) }()

	notifications, err := s.store.UnreadActivity(ctx, c.User.ID, c.Since)
	if err != nil {
		return fmt.Errorf("failed to load unread activity: %w", err)
	}
	if len(notifications) == 0 {
		return errNothingToSend
	}

	if err := s.mailer.Send(ctx, Digest{User: c.User, Since: c.Since, Notifications: notifications}); err != nil {
		return err
	}

	if err := s.store.SetDigestedAt(ctx, c.User.ID, runStart); err != nil {
		return fmt.Errorf("failed to update digest watermark: %w", err)
	}
	return nil
}

func (s *Scheduler) record(ctx context.Context, err error) {
	if s.sent == nil {
		return
	}
	outcome := "ok"
	switch {
	case errors.Is(err, errNothingToSend):
		outcome = "skipped"
	case err != nil:
		outcome = "error"
	}
	s.sent.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// due reports whether c's email frequency allows a digest at now
func due(c store.DigestCandidate, now time.Time) bool {
	if c.Since.IsZero() {
		return true
	}
	switch c.Frequency {
	case models.EmailFrequencyDaily:
		return now.Sub(c.Since) >= 24*time.Hour
	case models.EmailFrequencyWeekly:
		return now.Sub(c.Since) >= 7*24*time.Hour
	case models.EmailFrequencyOff:
		return false
	default:
		return true
	}
}
