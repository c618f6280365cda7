// Package scheduler runs the periodic sweeps that drive reminders,
// expiration and cleanup. Each sweep is an independent tick worker with a
// single-flight guard; sweeps never overlap with themselves but run freely in
// parallel with each other.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/docrelay/docrelay/cache"
	"github.com/docrelay/docrelay/engine"
	"github.com/docrelay/docrelay/logger"
	"github.com/docrelay/docrelay/model"
	"github.com/docrelay/docrelay/persistence"
	"github.com/docrelay/docrelay/util"
	"go.uber.org/zap"
)

type Config struct {
	ReminderInterval   time.Duration
	ExpirationInterval time.Duration
	StaleInterval      time.Duration
	JobCleanupInterval time.Duration

	ReminderDelay   time.Duration
	RetentionWindow time.Duration
	BatchSize       int
}

func DefaultConfig() Config {
	return Config{
		ReminderInterval:   15 * time.Minute,
		ExpirationInterval: time.Hour,
		StaleInterval:      30 * time.Minute,
		JobCleanupInterval: 24 * time.Hour,
		ReminderDelay:      24 * time.Hour,
		RetentionWindow:    7 * 24 * time.Hour,
		BatchSize:          100,
	}
}

type Scheduler struct {
	conf       Config
	engine     *engine.SessionEngine
	repo       persistence.Repository
	cache      *cache.SessionCache
	retryQueue persistence.RetryQueue
	now        func() time.Time

	workers []*util.TickWorker
	wg      *sync.WaitGroup
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func NewScheduler(conf Config, eng *engine.SessionEngine, repo persistence.Repository, sessionCache *cache.SessionCache, retryQueue persistence.RetryQueue, wg *sync.WaitGroup, opts ...Option) *Scheduler {
	s := &Scheduler{
		conf:       conf,
		engine:     eng,
		repo:       repo,
		cache:      sessionCache,
		retryQueue: retryQueue,
		now:        time.Now,
		wg:         wg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Start() {
	s.workers = []*util.TickWorker{
		util.NewTickWorker("reminder-sweep", s.conf.ReminderInterval, s.RunReminderSweep, s.wg),
		util.NewTickWorker("expiration-sweep", s.conf.ExpirationInterval, s.RunExpirationSweep, s.wg),
		util.NewTickWorker("stale-cleanup-sweep", s.conf.StaleInterval, s.RunStaleCleanupSweep, s.wg),
		util.NewTickWorker("job-cleanup-sweep", s.conf.JobCleanupInterval, s.RunJobCleanupSweep, s.wg),
	}
	for _, w := range s.workers {
		w.Start()
	}
}

func (s *Scheduler) Stop() {
	for _, w := range s.workers {
		w.Stop()
	}
}

// RunReminderSweep drains due notification retries, then reminds the active
// recipient of every ACTIVE session whose last notification is older than the
// reminder delay, up to the per-recipient reminder limit. An active recipient
// that was never notified at all gets their initial notification immediately.
func (s *Scheduler) RunReminderSweep() {
	ctx := context.Background()
	var sent, failed int

	if s.retryQueue != nil {
		entries, err := s.retryQueue.PopDue(ctx, s.conf.BatchSize)
		if err != nil {
			logger.Error("failed to drain notification retry queue", zap.Error(err))
		}
		for _, entry := range entries {
			if err := s.engine.RetryNotification(ctx, entry); err != nil {
				failed++
			} else {
				sent++
			}
		}
	}

	cutoff := s.now().Add(-s.conf.ReminderDelay)
	err := s.repo.ScanByStatus(ctx, []model.SessionStatus{model.SESSION_ACTIVE}, s.conf.BatchSize, func(session *model.WorkflowSession) error {
		recipient := session.ActiveRecipient()
		if recipient == nil {
			return nil
		}
		// An active recipient still PENDING lost their hand-off write;
		// deliver the initial notification instead of a reminder.
		if recipient.Status == model.RECIPIENT_PENDING {
			if err := s.engine.NotifyPending(ctx, session, recipient); err != nil {
				failed++
				return err
			}
			sent++
			return nil
		}
		if recipient.Status != model.RECIPIENT_NOTIFIED && recipient.Status != model.RECIPIENT_ACCESSED {
			return nil
		}
		if recipient.ReminderCount >= s.engine.MaxReminders() {
			return nil
		}
		if recipient.NotifiedAt == nil || recipient.NotifiedAt.After(cutoff) {
			return nil
		}
		if err := s.engine.SendReminder(ctx, session, recipient); err != nil {
			failed++
			return err
		}
		sent++
		return nil
	})
	if err != nil {
		logger.Error("reminder sweep scan failed", zap.Error(err))
	}
	if sent > 0 || failed > 0 {
		logger.Info("reminder sweep finished", zap.Int("sent", sent), zap.Int("failed", failed))
	}
}

// RunExpirationSweep expires every ACTIVE session past its deadline. One
// failing session never aborts the batch.
func (s *Scheduler) RunExpirationSweep() {
	ctx := context.Background()
	now := s.now()
	var expired, failed int
	err := s.repo.ScanByStatus(ctx, []model.SessionStatus{model.SESSION_ACTIVE}, s.conf.BatchSize, func(session *model.WorkflowSession) error {
		if !now.After(session.ExpiresAt) {
			return nil
		}
		if err := s.engine.Expire(ctx, session.Id); err != nil {
			failed++
			return err
		}
		expired++
		return nil
	})
	if err != nil {
		logger.Error("expiration sweep scan failed", zap.Error(err))
	}
	if expired > 0 || failed > 0 {
		logger.Info("expiration sweep finished", zap.Int("expired", expired), zap.Int("failed", failed))
	}
}

// RunStaleCleanupSweep evicts cache entries of terminal sessions that have
// been idle past the retention window. Durable records are never deleted;
// they are the audit trail.
func (s *Scheduler) RunStaleCleanupSweep() {
	ctx := context.Background()
	cutoff := s.now().Add(-s.conf.RetentionWindow)
	var evicted int
	terminal := []model.SessionStatus{model.SESSION_COMPLETED, model.SESSION_EXPIRED, model.SESSION_CANCELLED}
	err := s.repo.ScanByStatus(ctx, terminal, s.conf.BatchSize, func(session *model.WorkflowSession) error {
		if session.UpdatedAt.After(cutoff) {
			return nil
		}
		s.cache.Invalidate(session.Id)
		evicted++
		return nil
	})
	if err != nil {
		logger.Error("stale cleanup sweep scan failed", zap.Error(err))
	}
	if evicted > 0 {
		logger.Info("stale cleanup sweep finished", zap.Int("evicted", evicted))
	}
}

// RunJobCleanupSweep trims retry-queue entries whose execute-time passed more
// than the retention window ago.
func (s *Scheduler) RunJobCleanupSweep() {
	if s.retryQueue == nil {
		return
	}
	ctx := context.Background()
	removed, err := s.retryQueue.TrimBefore(ctx, s.now().Add(-s.conf.RetentionWindow))
	if err != nil {
		logger.Error("job cleanup sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		logger.Info("job cleanup sweep finished", zap.Int("removed", removed))
	}
}
