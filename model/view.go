package model

import "time"

// RecipientSummary is the recipient shape exposed to token holders. It never
// carries another recipient's access token.
type RecipientSummary struct {
	Id          string          `json:"id"`
	OrderIndex  int             `json:"orderIndex"`
	Type        RecipientType   `json:"type"`
	Name        string          `json:"name,omitempty"`
	Status      RecipientStatus `json:"status"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// SessionView is the read model returned from the access gate and the
// submission processor: the session, the caller's recipient and the
// completed/pending split of the chain.
type SessionView struct {
	SessionId   string             `json:"sessionId"`
	DocumentRef string             `json:"documentRef"`
	Status      SessionStatus      `json:"status"`
	ExpiresAt   time.Time          `json:"expiresAt"`
	Recipient   Recipient          `json:"recipient"`
	Completed   []RecipientSummary `json:"completed"`
	Pending     []RecipientSummary `json:"pending"`
}

func summaryOf(r *Recipient) RecipientSummary {
	return RecipientSummary{
		Id:          r.Id,
		OrderIndex:  r.OrderIndex,
		Type:        r.Type,
		Name:        r.Name,
		Status:      r.Status,
		CompletedAt: r.CompletedAt,
	}
}

// NewSessionView builds the view for the recipient holding the resolved token.
func NewSessionView(session *WorkflowSession, recipient *Recipient) *SessionView {
	view := &SessionView{
		SessionId:   session.Id,
		DocumentRef: session.DocumentRef,
		Status:      session.Status,
		ExpiresAt:   session.ExpiresAt,
		Recipient:   *recipient,
	}
	for i := range session.Recipients {
		r := &session.Recipients[i]
		if r.Status == RECIPIENT_COMPLETED {
			view.Completed = append(view.Completed, summaryOf(r))
		} else {
			view.Pending = append(view.Pending, summaryOf(r))
		}
	}
	return view
}
