package engine

import (
	"context"
	"errors"

	api "github.com/docrelay/docrelay/api/v1"
	"github.com/docrelay/docrelay/logger"
	"github.com/docrelay/docrelay/model"
	"github.com/docrelay/docrelay/persistence"
	"go.uber.org/zap"
)

// Resolve looks up a recipient by exact token match and returns the session
// view for them. The first resolution flips the recipient to ACCESSED; later
// resolutions are read-only. A session past its deadline is expired lazily
// before the gate answers, and the caller gets ExpiredError rather than
// NotFoundError so front-ends can tell a dead link from a wrong one.
func (e *SessionEngine) Resolve(ctx context.Context, accessToken string) (*model.SessionView, error) {
	session, recipient, err := e.repo.GetByToken(ctx, accessToken)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			return nil, api.NotFoundError{Kind: "token", Id: accessToken}
		}
		return nil, err
	}
	if session.Status == model.SESSION_ACTIVE && e.now().After(session.ExpiresAt) {
		if err := e.Expire(ctx, session.Id); err != nil {
			logger.Error("lazy expiration on access failed", zap.String("sessionId", session.Id), zap.Error(err))
		}
		return nil, api.ExpiredError{SessionId: session.Id}
	}
	if session.Status == model.SESSION_EXPIRED || session.Status == model.SESSION_CANCELLED {
		return nil, api.ExpiredError{SessionId: session.Id}
	}
	if recipient.Status == model.RECIPIENT_PENDING || recipient.Status == model.RECIPIENT_NOTIFIED {
		accessedAt := e.now()
		updated, err := e.repo.UpdateRecipient(ctx, session.Id, recipient.Id,
			[]model.RecipientStatus{model.RECIPIENT_PENDING, model.RECIPIENT_NOTIFIED},
			persistence.RecipientUpdate{
				Status:     model.RECIPIENT_ACCESSED,
				AccessedAt: &accessedAt,
			})
		if err != nil {
			// A concurrent resolve won the transition; re-read and move on.
			var cf persistence.ConditionFailedError
			if !errors.As(err, &cf) {
				return nil, err
			}
			updated, _, err = e.repo.GetByToken(ctx, accessToken)
			if err != nil {
				return nil, err
			}
		}
		session = updated
		recipient = session.RecipientByToken(accessToken)
		e.cache.Invalidate(session.Id)
		e.cache.Put(session)
	}
	return model.NewSessionView(session, recipient), nil
}
