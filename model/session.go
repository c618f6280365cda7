package model

import "time"

type SessionStatus string

const SESSION_ACTIVE SessionStatus = "ACTIVE"
const SESSION_COMPLETED SessionStatus = "COMPLETED"
const SESSION_EXPIRED SessionStatus = "EXPIRED"
const SESSION_CANCELLED SessionStatus = "CANCELLED"

func (s SessionStatus) IsTerminal() bool {
	return s == SESSION_COMPLETED || s == SESSION_EXPIRED || s == SESSION_CANCELLED
}

type RecipientStatus string

const RECIPIENT_PENDING RecipientStatus = "PENDING"
const RECIPIENT_NOTIFIED RecipientStatus = "NOTIFIED"
const RECIPIENT_ACCESSED RecipientStatus = "ACCESSED"
const RECIPIENT_IN_PROGRESS RecipientStatus = "IN_PROGRESS"
const RECIPIENT_COMPLETED RecipientStatus = "COMPLETED"
const RECIPIENT_EXPIRED RecipientStatus = "EXPIRED"

func (s RecipientStatus) IsTerminal() bool {
	return s == RECIPIENT_COMPLETED || s == RECIPIENT_EXPIRED
}

type RecipientType string

const RECIPIENT_TYPE_PRESCRIBER RecipientType = "PRESCRIBER"
const RECIPIENT_TYPE_PATIENT RecipientType = "PATIENT"
const RECIPIENT_TYPE_PHARMACY RecipientType = "PHARMACY"
const RECIPIENT_TYPE_INSURANCE RecipientType = "INSURANCE"
const RECIPIENT_TYPE_CUSTOM RecipientType = "CUSTOM"

func ValidRecipientType(t RecipientType) bool {
	switch t {
	case RECIPIENT_TYPE_PRESCRIBER, RECIPIENT_TYPE_PATIENT, RECIPIENT_TYPE_PHARMACY,
		RECIPIENT_TYPE_INSURANCE, RECIPIENT_TYPE_CUSTOM:
		return true
	}
	return false
}

type WorkflowSession struct {
	Id          string            `json:"id"`
	DocumentRef string            `json:"documentRef"`
	Status      SessionStatus     `json:"status"`
	Recipients  []Recipient       `json:"recipients"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	ExpiresAt   time.Time         `json:"expiresAt"`
}

type Recipient struct {
	Id            string          `json:"id"`
	SessionId     string          `json:"sessionId"`
	OrderIndex    int             `json:"orderIndex"`
	Type          RecipientType   `json:"type"`
	Name          string          `json:"name,omitempty"`
	Email         string          `json:"email,omitempty"`
	Mobile        string          `json:"mobile,omitempty"`
	AccessToken   string          `json:"accessToken"`
	Status        RecipientStatus `json:"status"`
	FormData      map[string]any  `json:"formData,omitempty"`
	NotifiedAt    *time.Time      `json:"notifiedAt,omitempty"`
	AccessedAt    *time.Time      `json:"accessedAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	ReminderCount int             `json:"reminderCount"`
}

func (r *Recipient) HasContact() bool {
	return r.Email != "" || r.Mobile != ""
}

// Clone returns a deep copy. Storage implementations hand out copies so
// callers never alias the stored record.
func (s *WorkflowSession) Clone() *WorkflowSession {
	cp := *s
	cp.Recipients = make([]Recipient, len(s.Recipients))
	copy(cp.Recipients, s.Recipients)
	for i := range cp.Recipients {
		r := &cp.Recipients[i]
		if r.FormData != nil {
			fd := make(map[string]any, len(r.FormData))
			for k, v := range r.FormData {
				fd[k] = v
			}
			r.FormData = fd
		}
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// RecipientAt returns the recipient at the given order index.
func (s *WorkflowSession) RecipientAt(orderIndex int) *Recipient {
	for i := range s.Recipients {
		if s.Recipients[i].OrderIndex == orderIndex {
			return &s.Recipients[i]
		}
	}
	return nil
}

func (s *WorkflowSession) RecipientById(id string) *Recipient {
	for i := range s.Recipients {
		if s.Recipients[i].Id == id {
			return &s.Recipients[i]
		}
	}
	return nil
}

func (s *WorkflowSession) RecipientByToken(token string) *Recipient {
	for i := range s.Recipients {
		if s.Recipients[i].AccessToken == token {
			return &s.Recipients[i]
		}
	}
	return nil
}

// ActiveRecipient returns the lowest order index recipient that is not
// terminal, or nil when every recipient is terminal.
func (s *WorkflowSession) ActiveRecipient() *Recipient {
	var active *Recipient
	for i := range s.Recipients {
		r := &s.Recipients[i]
		if r.Status.IsTerminal() {
			continue
		}
		if active == nil || r.OrderIndex < active.OrderIndex {
			active = r
		}
	}
	return active
}
