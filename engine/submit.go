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

// Submit completes the recipient addressed by the token. The recipient status
// check and the completion write are a single conditional update, so a
// replayed or concurrent submission can never re-apply a completed step: the
// loser gets ConflictError and the first form data is preserved unchanged.
// On success the next recipient is notified, or the session completes when
// this was the last one.
func (e *SessionEngine) Submit(ctx context.Context, accessToken string, formData map[string]any) (*model.SessionView, error) {
	if err := model.ValidateFormData(formData); err != nil {
		return nil, api.ValidationError{Message: err.Error()}
	}
	session, recipient, err := e.repo.GetByToken(ctx, accessToken)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			return nil, api.NotFoundError{Kind: "token", Id: accessToken}
		}
		return nil, err
	}
	if recipient.Status == model.RECIPIENT_COMPLETED {
		return nil, api.ConflictError{Message: "recipient already completed"}
	}
	if session.Status != model.SESSION_ACTIVE {
		return nil, api.ValidationError{Message: "session not active"}
	}
	active := session.ActiveRecipient()
	if active == nil || active.Id != recipient.Id {
		return nil, api.ValidationError{Message: "recipient is not the active step"}
	}

	completedAt := e.now()
	session, err = e.repo.UpdateRecipient(ctx, session.Id, recipient.Id,
		nonTerminalRecipientStatuses,
		persistence.RecipientUpdate{
			Status:      model.RECIPIENT_COMPLETED,
			FormData:    formData,
			CompletedAt: &completedAt,
		})
	if err != nil {
		var cf persistence.ConditionFailedError
		if errors.As(err, &cf) {
			if cf.Actual == string(model.RECIPIENT_COMPLETED) {
				return nil, api.ConflictError{Message: "recipient already completed"}
			}
			return nil, api.ValidationError{Message: "session not active"}
		}
		return nil, err
	}
	e.cache.Invalidate(session.Id)
	session = e.advance(ctx, session, recipient.Id)
	e.cache.Put(session)
	return model.NewSessionView(session, session.RecipientById(recipient.Id)), nil
}

// advance performs the hand-off after a completion: notify the next recipient
// in order, or close the session when the chain is done.
func (e *SessionEngine) advance(ctx context.Context, session *model.WorkflowSession, completedId string) *model.WorkflowSession {
	completed := session.RecipientById(completedId)
	next := session.RecipientAt(completed.OrderIndex + 1)
	if next == nil {
		updated, err := e.repo.UpdateSessionStatus(ctx, session.Id, model.SESSION_ACTIVE, model.SESSION_COMPLETED, nil)
		if err != nil {
			var cf persistence.ConditionFailedError
			if !errors.As(err, &cf) {
				logger.Error("failed to complete session", zap.String("sessionId", session.Id), zap.Error(err))
			}
			return session
		}
		logger.Info("session completed", zap.String("sessionId", session.Id))
		return updated
	}
	notifiedAt := e.now()
	updated, err := e.repo.UpdateRecipient(ctx, session.Id, next.Id,
		[]model.RecipientStatus{model.RECIPIENT_PENDING},
		persistence.RecipientUpdate{
			Status:     model.RECIPIENT_NOTIFIED,
			NotifiedAt: &notifiedAt,
		})
	if err != nil {
		var cf persistence.ConditionFailedError
		if !errors.As(err, &cf) {
			// The hand-off write was lost; the reminder sweep picks the
			// PENDING active recipient up via NotifyPending.
			logger.Error("failed to notify next recipient", zap.String("sessionId", session.Id), zap.String("recipientId", next.Id), zap.Error(err))
		}
		return session
	}
	e.notifyAsync(updated, updated.RecipientById(next.Id), notification.KIND_CREATED)
	return updated
}

// NotifyPending delivers the initial notification to an active recipient whose
// hand-off write never landed, flipping PENDING to NOTIFIED. Losing the race
// against the hand-off or a submission is a no-op.
func (e *SessionEngine) NotifyPending(ctx context.Context, session *model.WorkflowSession, recipient *model.Recipient) error {
	if session.Status != model.SESSION_ACTIVE {
		return api.ValidationError{Message: "session not active"}
	}
	notifiedAt := e.now()
	updated, err := e.repo.UpdateRecipient(ctx, session.Id, recipient.Id,
		[]model.RecipientStatus{model.RECIPIENT_PENDING},
		persistence.RecipientUpdate{
			Status:     model.RECIPIENT_NOTIFIED,
			NotifiedAt: &notifiedAt,
		})
	if err != nil {
		var cf persistence.ConditionFailedError
		if errors.As(err, &cf) {
			return nil
		}
		return err
	}
	e.cache.Invalidate(session.Id)
	logger.Info("recovered unnotified recipient", zap.String("sessionId", session.Id), zap.String("recipientId", recipient.Id))
	if err := e.dispatcher.Notify(ctx, updated, updated.RecipientById(recipient.Id), notification.KIND_CREATED); err != nil {
		logger.Error("recovery dispatch failed", zap.String("sessionId", session.Id), zap.String("recipientId", recipient.Id), zap.Error(err))
		e.deferNotification(session.Id, recipient.Id, notification.KIND_CREATED, 1)
	}
	return nil
}
