// Package engine implements the workflow session state machine: creation,
// token access, ordered submission hand-off, expiration and cancellation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	api "github.com/docrelay/docrelay/api/v1"
	"github.com/docrelay/docrelay/cache"
	"github.com/docrelay/docrelay/logger"
	"github.com/docrelay/docrelay/model"
	"github.com/docrelay/docrelay/notification"
	"github.com/docrelay/docrelay/persistence"
	"github.com/docrelay/docrelay/util"
	"go.uber.org/zap"
)

const DefaultExpirationWindow = 48 * time.Hour
const DefaultMaxReminders = 2
const DefaultNotifyRetryDelay = 5 * time.Minute

const maxRetryAttempts = 3
const notifyWorkerCapacity = 512

type SessionEngine struct {
	repo       persistence.Repository
	cache      *cache.SessionCache
	dispatcher notification.Dispatcher
	retryQueue persistence.RetryQueue

	notifyWorker *util.Worker

	now              func() time.Time
	expirationWindow time.Duration
	maxReminders     int
	notifyRetryDelay time.Duration
}

type Option func(*SessionEngine)

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *SessionEngine) {
		e.now = now
	}
}

func WithExpirationWindow(window time.Duration) Option {
	return func(e *SessionEngine) {
		e.expirationWindow = window
	}
}

func WithMaxReminders(max int) Option {
	return func(e *SessionEngine) {
		e.maxReminders = max
	}
}

func WithNotifyRetryDelay(delay time.Duration) Option {
	return func(e *SessionEngine) {
		e.notifyRetryDelay = delay
	}
}

func NewSessionEngine(repo persistence.Repository, sessionCache *cache.SessionCache, dispatcher notification.Dispatcher, retryQueue persistence.RetryQueue, wg *sync.WaitGroup, opts ...Option) *SessionEngine {
	e := &SessionEngine{
		repo:             repo,
		cache:            sessionCache,
		dispatcher:       dispatcher,
		retryQueue:       retryQueue,
		now:              time.Now,
		expirationWindow: DefaultExpirationWindow,
		maxReminders:     DefaultMaxReminders,
		notifyRetryDelay: DefaultNotifyRetryDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.notifyWorker = util.NewWorker("notification-dispatch", wg, e.handleNotify, notifyWorkerCapacity)
	return e
}

// MaxReminders reports the configured per-recipient reminder limit.
func (e *SessionEngine) MaxReminders() int {
	return e.maxReminders
}

func (e *SessionEngine) Start() {
	e.notifyWorker.Start()
}

func (e *SessionEngine) Stop() {
	e.notifyWorker.Stop()
}

// GetSession is the cached read path. The cache is read-through and never
// consulted by write paths.
func (e *SessionEngine) GetSession(ctx context.Context, sessionId string) (*model.WorkflowSession, error) {
	if session, ok := e.cache.Get(sessionId); ok {
		return session, nil
	}
	session, err := e.repo.GetById(ctx, sessionId)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			return nil, api.NotFoundError{Kind: "session", Id: sessionId}
		}
		return nil, err
	}
	e.cache.Put(session)
	return session, nil
}

type notifyRequest struct {
	session   *model.WorkflowSession
	recipient *model.Recipient
	kind      notification.Kind
	attempts  int
}

// notifyAsync hands the dispatch to the notification worker so state
// transitions never block on transport.
func (e *SessionEngine) notifyAsync(session *model.WorkflowSession, recipient *model.Recipient, kind notification.Kind) {
	req := notifyRequest{session: session.Clone(), kind: kind}
	req.recipient = req.session.RecipientById(recipient.Id)
	select {
	case e.notifyWorker.Sender() <- req:
	default:
		logger.Error("notification worker saturated, deferring to retry queue",
			zap.String("sessionId", session.Id), zap.String("recipientId", recipient.Id))
		e.deferNotification(session.Id, recipient.Id, kind, 0)
	}
}

func (e *SessionEngine) handleNotify(action util.Action) error {
	req, ok := action.(notifyRequest)
	if !ok {
		return fmt.Errorf("unexpected action type %T", action)
	}
	err := e.dispatcher.Notify(context.Background(), req.session, req.recipient, req.kind)
	if err != nil {
		logger.Error("notification dispatch failed",
			zap.String("sessionId", req.session.Id),
			zap.String("recipientId", req.recipient.Id),
			zap.String("kind", string(req.kind)),
			zap.Error(err))
		e.deferNotification(req.session.Id, req.recipient.Id, req.kind, req.attempts+1)
		return api.NotificationError{RecipientId: req.recipient.Id, Cause: err}
	}
	return nil
}

// deferNotification records a failed dispatch in the retry queue so the
// reminder sweep can pick it up. Attempts are bounded; the expired-job
// cleanup trims anything that keeps failing.
func (e *SessionEngine) deferNotification(sessionId, recipientId string, kind notification.Kind, attempts int) {
	if e.retryQueue == nil || attempts >= maxRetryAttempts {
		return
	}
	entry := persistence.RetryEntry{
		SessionId:   sessionId,
		RecipientId: recipientId,
		Kind:        string(kind),
		Attempts:    attempts,
		EnqueuedAt:  e.now(),
	}
	if err := e.retryQueue.Push(context.Background(), entry, e.notifyRetryDelay); err != nil {
		logger.Error("failed to enqueue notification retry", zap.String("sessionId", sessionId), zap.Error(err))
	}
}

// RetryNotification re-dispatches a drained retry-queue entry. Terminal
// recipients and inactive sessions are skipped silently.
func (e *SessionEngine) RetryNotification(ctx context.Context, entry persistence.RetryEntry) error {
	session, err := e.repo.GetById(ctx, entry.SessionId)
	if err != nil {
		return err
	}
	if session.Status != model.SESSION_ACTIVE {
		return nil
	}
	recipient := session.RecipientById(entry.RecipientId)
	if recipient == nil || recipient.Status.IsTerminal() {
		return nil
	}
	if err := e.dispatcher.Notify(ctx, session, recipient, notification.Kind(entry.Kind)); err != nil {
		logger.Error("notification retry failed",
			zap.String("sessionId", entry.SessionId),
			zap.String("recipientId", entry.RecipientId),
			zap.Int("attempts", entry.Attempts+1),
			zap.Error(err))
		e.deferNotification(entry.SessionId, entry.RecipientId, notification.Kind(entry.Kind), entry.Attempts+1)
		return api.NotificationError{RecipientId: entry.RecipientId, Cause: err}
	}
	return nil
}

var nonTerminalRecipientStatuses = []model.RecipientStatus{
	model.RECIPIENT_PENDING,
	model.RECIPIENT_NOTIFIED,
	model.RECIPIENT_ACCESSED,
	model.RECIPIENT_IN_PROGRESS,
}
