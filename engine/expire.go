package engine

import (
	"context"
	"errors"

	api "github.com/docrelay/docrelay/api/v1"
	"github.com/docrelay/docrelay/logger"
	"github.com/docrelay/docrelay/model"
	"github.com/docrelay/docrelay/notification"
	"github.com/docrelay/docrelay/persistence"
	"go.uber.org/zap"
)

// Expire transitions an ACTIVE session and its unfinished recipients to
// EXPIRED. Completed recipients keep their record. Idempotent: a terminal
// session is a no-op, and losing the race against a concurrent submission or
// expiration is also a no-op.
func (e *SessionEngine) Expire(ctx context.Context, sessionId string) error {
	session, err := e.repo.GetById(ctx, sessionId)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			return api.NotFoundError{Kind: "session", Id: sessionId}
		}
		return err
	}
	if session.Status.IsTerminal() {
		return nil
	}
	recipientStatuses := make(map[string]model.RecipientStatus)
	for i := range session.Recipients {
		if !session.Recipients[i].Status.IsTerminal() {
			recipientStatuses[session.Recipients[i].Id] = model.RECIPIENT_EXPIRED
		}
	}
	updated, err := e.repo.UpdateSessionStatus(ctx, sessionId, model.SESSION_ACTIVE, model.SESSION_EXPIRED, recipientStatuses)
	if err != nil {
		var cf persistence.ConditionFailedError
		if errors.As(err, &cf) {
			return nil
		}
		return err
	}
	e.cache.Invalidate(sessionId)
	// Notifications follow the committed record, not the read above: a
	// recipient who completed while this call was in flight kept their
	// status and gets nothing.
	expiredCount := 0
	for i := range updated.Recipients {
		r := &updated.Recipients[i]
		if r.Status != model.RECIPIENT_EXPIRED {
			continue
		}
		expiredCount++
		if r.HasContact() {
			e.notifyAsync(updated, r, notification.KIND_EXPIRED)
		}
	}
	logger.Info("session expired", zap.String("sessionId", sessionId), zap.Int("expiredRecipients", expiredCount))
	return nil
}

// Cancel terminates an ACTIVE session without notifications. Cancelling an
// already cancelled session is a no-op; other terminal states reject.
func (e *SessionEngine) Cancel(ctx context.Context, sessionId string) error {
	session, err := e.repo.GetById(ctx, sessionId)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			return api.NotFoundError{Kind: "session", Id: sessionId}
		}
		return err
	}
	if session.Status == model.SESSION_CANCELLED {
		return nil
	}
	if session.Status.IsTerminal() {
		return api.ValidationError{Message: "session not active"}
	}
	recipientStatuses := make(map[string]model.RecipientStatus)
	for i := range session.Recipients {
		r := &session.Recipients[i]
		if !r.Status.IsTerminal() {
			recipientStatuses[r.Id] = model.RECIPIENT_EXPIRED
		}
	}
	_, err = e.repo.UpdateSessionStatus(ctx, sessionId, model.SESSION_ACTIVE, model.SESSION_CANCELLED, recipientStatuses)
	if err != nil {
		var cf persistence.ConditionFailedError
		if errors.As(err, &cf) {
			return nil
		}
		return err
	}
	e.cache.Invalidate(sessionId)
	logger.Info("session cancelled", zap.String("sessionId", sessionId))
	return nil
}

// SendReminder re-notifies one recipient and bumps their reminder count. The
// count check and the bump use the same conditional update as every other
// transition, so the bound holds across concurrent sweeps and restarts.
func (e *SessionEngine) SendReminder(ctx context.Context, session *model.WorkflowSession, recipient *model.Recipient) error {
	if session.Status != model.SESSION_ACTIVE {
		return api.ValidationError{Message: "session not active"}
	}
	if recipient.Status.IsTerminal() {
		return api.ValidationError{Message: "recipient already finished"}
	}
	if recipient.ReminderCount >= e.maxReminders {
		return api.ValidationError{Message: "reminder limit reached"}
	}
	notifiedAt := e.now()
	count := recipient.ReminderCount + 1
	updated, err := e.repo.UpdateRecipient(ctx, session.Id, recipient.Id,
		[]model.RecipientStatus{recipient.Status},
		persistence.RecipientUpdate{
			NotifiedAt:    &notifiedAt,
			ReminderCount: &count,
		})
	if err != nil {
		var cf persistence.ConditionFailedError
		if errors.As(err, &cf) {
			// Recipient moved on since the sweep read them.
			return nil
		}
		return err
	}
	e.cache.Invalidate(session.Id)
	if err := e.dispatcher.Notify(ctx, updated, updated.RecipientById(recipient.Id), notification.KIND_REMINDER); err != nil {
		logger.Error("reminder dispatch failed", zap.String("sessionId", session.Id), zap.String("recipientId", recipient.Id), zap.Error(err))
		e.deferNotification(session.Id, recipient.Id, notification.KIND_REMINDER, 1)
	}
	return nil
}
