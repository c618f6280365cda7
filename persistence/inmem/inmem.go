// Package inmem implements the repository contracts with mutex-guarded maps.
// It backs the `memory` storage type and the test suites.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/docrelay/docrelay/model"
	"github.com/docrelay/docrelay/persistence"
)

var _ persistence.Repository = new(Repository)

type Repository struct {
	mu       sync.Mutex
	sessions map[string]*model.WorkflowSession
	tokens   map[string]string // access token -> session id

	// Now is the clock used for UpdatedAt stamps. Tests override it.
	Now func() time.Time
}

func NewRepository() *Repository {
	return &Repository{
		sessions: make(map[string]*model.WorkflowSession),
		tokens:   make(map[string]string),
		Now:      time.Now,
	}
}

func (r *Repository) CreateSession(ctx context.Context, session *model.WorkflowSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session.Id]; ok {
		return persistence.StorageLayerError{Message: "session id already exists"}
	}
	for i := range session.Recipients {
		if _, ok := r.tokens[session.Recipients[i].AccessToken]; ok {
			return persistence.StorageLayerError{Message: "access token already in use"}
		}
	}
	for i := range session.Recipients {
		r.tokens[session.Recipients[i].AccessToken] = session.Id
	}
	r.sessions[session.Id] = session.Clone()
	return nil
}

func (r *Repository) GetById(ctx context.Context, sessionId string) (*model.WorkflowSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionId]
	if !ok {
		return nil, persistence.NotFoundError{Key: sessionId}
	}
	return session.Clone(), nil
}

func (r *Repository) GetByToken(ctx context.Context, accessToken string) (*model.WorkflowSession, *model.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionId, ok := r.tokens[accessToken]
	if !ok {
		return nil, nil, persistence.NotFoundError{Key: accessToken}
	}
	session, ok := r.sessions[sessionId]
	if !ok {
		return nil, nil, persistence.NotFoundError{Key: accessToken}
	}
	cp := session.Clone()
	recipient := cp.RecipientByToken(accessToken)
	if recipient == nil {
		return nil, nil, persistence.NotFoundError{Key: accessToken}
	}
	return cp, recipient, nil
}

func (r *Repository) UpdateRecipient(ctx context.Context, sessionId string, recipientId string, expected []model.RecipientStatus, update persistence.RecipientUpdate) (*model.WorkflowSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionId]
	if !ok {
		return nil, persistence.NotFoundError{Key: sessionId}
	}
	recipient := session.RecipientById(recipientId)
	if recipient == nil {
		return nil, persistence.NotFoundError{Key: recipientId}
	}
	if !statusIn(recipient.Status, expected) {
		return nil, persistence.ConditionFailedError{
			Expected: statusList(expected),
			Actual:   string(recipient.Status),
		}
	}
	if update.Status != "" {
		recipient.Status = update.Status
	}
	if update.FormData != nil {
		recipient.FormData = update.FormData
	}
	if update.NotifiedAt != nil {
		recipient.NotifiedAt = update.NotifiedAt
	}
	if update.AccessedAt != nil {
		recipient.AccessedAt = update.AccessedAt
	}
	if update.CompletedAt != nil {
		recipient.CompletedAt = update.CompletedAt
	}
	if update.ReminderCount != nil {
		recipient.ReminderCount = *update.ReminderCount
	}
	session.UpdatedAt = r.Now()
	return session.Clone(), nil
}

func (r *Repository) UpdateSessionStatus(ctx context.Context, sessionId string, expected model.SessionStatus, next model.SessionStatus, recipientStatuses map[string]model.RecipientStatus) (*model.WorkflowSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionId]
	if !ok {
		return nil, persistence.NotFoundError{Key: sessionId}
	}
	if session.Status != expected {
		return nil, persistence.ConditionFailedError{
			Expected: string(expected),
			Actual:   string(session.Status),
		}
	}
	session.Status = next
	for id, status := range recipientStatuses {
		// A recipient that reached a terminal status since the caller read
		// the session keeps their record.
		if rec := session.RecipientById(id); rec != nil && !rec.Status.IsTerminal() {
			rec.Status = status
		}
	}
	session.UpdatedAt = r.Now()
	return session.Clone(), nil
}

func (r *Repository) ScanByStatus(ctx context.Context, statuses []model.SessionStatus, batchSize int, fn func(*model.WorkflowSession) error) error {
	type match struct {
		id        string
		createdAt time.Time
	}
	r.mu.Lock()
	var matched []match
	for _, session := range r.sessions {
		for _, status := range statuses {
			if session.Status == status {
				matched = append(matched, match{id: session.Id, createdAt: session.CreatedAt})
				break
			}
		}
	}
	r.mu.Unlock()
	// Stable iteration keeps sweeps deterministic under test.
	sort.Slice(matched, func(i, j int) bool { return matched[i].createdAt.Before(matched[j].createdAt) })
	if batchSize <= 0 {
		batchSize = len(matched)
	}
	for start := 0; start < len(matched); start += batchSize {
		end := start + batchSize
		if end > len(matched) {
			end = len(matched)
		}
		batch := make([]*model.WorkflowSession, 0, end-start)
		r.mu.Lock()
		for _, m := range matched[start:end] {
			if session, ok := r.sessions[m.id]; ok {
				batch = append(batch, session.Clone())
			}
		}
		r.mu.Unlock()
		for _, session := range batch {
			_ = fn(session)
		}
	}
	return nil
}

func statusIn(status model.RecipientStatus, set []model.RecipientStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func statusList(set []model.RecipientStatus) string {
	out := ""
	for i, s := range set {
		if i > 0 {
			out += "|"
		}
		out += string(s)
	}
	return out
}
