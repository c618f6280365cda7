package engine

import (
	"context"
	"fmt"

	api "github.com/docrelay/docrelay/api/v1"
	"github.com/docrelay/docrelay/model"
	"github.com/docrelay/docrelay/notification"
	"github.com/docrelay/docrelay/token"
)

// Create validates the recipient specs, builds the session with contiguous
// order indexes and per-recipient access tokens, persists it in one durable
// write and dispatches the first notification asynchronously. A dispatch
// failure never rolls back creation; the reminder path covers it.
func (e *SessionEngine) Create(ctx context.Context, req model.CreateSessionRequest) (*model.WorkflowSession, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}
	now := e.now()
	session := &model.WorkflowSession{
		Id:          token.NewId(),
		DocumentRef: req.DocumentRef,
		Status:      model.SESSION_ACTIVE,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(e.expirationWindow),
	}
	for i, spec := range req.Recipients {
		accessToken, err := token.NewAccessToken()
		if err != nil {
			return nil, err
		}
		recipient := model.Recipient{
			Id:          token.NewId(),
			SessionId:   session.Id,
			OrderIndex:  i,
			Type:        spec.Type,
			Name:        spec.Name,
			Email:       spec.Email,
			Mobile:      spec.Mobile,
			AccessToken: accessToken,
			Status:      model.RECIPIENT_PENDING,
		}
		if i == 0 {
			recipient.Status = model.RECIPIENT_NOTIFIED
			recipient.NotifiedAt = &now
		}
		session.Recipients = append(session.Recipients, recipient)
	}
	if err := e.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	e.cache.Put(session)
	e.notifyAsync(session, &session.Recipients[0], notification.KIND_CREATED)
	return session, nil
}

func validateCreateRequest(req model.CreateSessionRequest) error {
	if req.DocumentRef == "" {
		return api.ValidationError{Message: "documentRef is required"}
	}
	if len(req.Recipients) == 0 {
		return api.ValidationError{Message: "at least one recipient is required"}
	}
	if len(req.Recipients) > model.MaxRecipients {
		return api.ValidationError{Message: fmt.Sprintf("at most %d recipients are allowed", model.MaxRecipients)}
	}
	for i, spec := range req.Recipients {
		if !model.ValidRecipientType(spec.Type) {
			return api.ValidationError{Message: fmt.Sprintf("recipient %d has unknown type %q", i, spec.Type)}
		}
		if spec.Email == "" && spec.Mobile == "" {
			return api.ValidationError{Message: fmt.Sprintf("recipient %d needs an email or mobile contact", i)}
		}
	}
	return nil
}
