package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/docrelay/docrelay/model"
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

type NotFoundError struct {
	Key string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("no record for key %s", e.Key)
}

// ConditionFailedError is returned by the conditional updates when the stored
// status did not match the expected one. The losing side of a concurrent
// transition sees this error.
type ConditionFailedError struct {
	Expected string
	Actual   string
}

func (e ConditionFailedError) Error() string {
	return fmt.Sprintf("conditional update failed: expected status %s, found %s", e.Expected, e.Actual)
}

// RecipientUpdate carries the fields written by a recipient transition. Nil
// pointer fields are left untouched.
type RecipientUpdate struct {
	Status        model.RecipientStatus
	FormData      map[string]any
	NotifiedAt    *time.Time
	AccessedAt    *time.Time
	CompletedAt   *time.Time
	ReminderCount *int
}

// Repository owns the durable session records. Sessions are written as one
// document with their recipients embedded, so every update below is atomic
// per session.
type Repository interface {
	// CreateSession persists a new session and its recipients in a single
	// durable write and registers every access token. No partial state is
	// left behind on failure.
	CreateSession(ctx context.Context, session *model.WorkflowSession) error

	GetById(ctx context.Context, sessionId string) (*model.WorkflowSession, error)

	// GetByToken resolves an access token by exact match to the owning
	// session and the recipient the token was issued to.
	GetByToken(ctx context.Context, accessToken string) (*model.WorkflowSession, *model.Recipient, error)

	// UpdateRecipient applies update to one recipient only if its current
	// status is one of expected, and returns the refreshed session. The
	// check and the write are one atomic operation.
	UpdateRecipient(ctx context.Context, sessionId string, recipientId string, expected []model.RecipientStatus, update RecipientUpdate) (*model.WorkflowSession, error)

	// UpdateSessionStatus transitions the session status only if the current
	// status equals expected, applying recipientStatuses (recipient id to
	// new status) in the same atomic write. recipientStatuses may be nil.
	// Recipients whose stored status is already terminal keep it: a
	// concurrently completed step is never rewritten by a stale caller.
	UpdateSessionStatus(ctx context.Context, sessionId string, expected model.SessionStatus, next model.SessionStatus, recipientStatuses map[string]model.RecipientStatus) (*model.WorkflowSession, error)

	// ScanByStatus streams sessions whose status is in statuses to fn in
	// batches of at most batchSize. An fn error skips that session and the
	// scan continues.
	ScanByStatus(ctx context.Context, statuses []model.SessionStatus, batchSize int, fn func(*model.WorkflowSession) error) error
}

// RetryEntry is one deferred notification attempt. Entries are produced when
// a dispatch fails and drained by the reminder sweep.
type RetryEntry struct {
	SessionId   string    `json:"sessionId"`
	RecipientId string    `json:"recipientId"`
	Kind        string    `json:"kind"`
	Attempts    int       `json:"attempts"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// RetryQueue is the scheduling side-table for failed notification
// dispatches, ordered by execute-time.
type RetryQueue interface {
	Push(ctx context.Context, entry RetryEntry, delay time.Duration) error
	// PopDue removes and returns up to batchSize entries whose execute-time
	// has passed.
	PopDue(ctx context.Context, batchSize int) ([]RetryEntry, error)
	// TrimBefore drops entries whose execute-time is older than cutoff and
	// returns how many were dropped.
	TrimBefore(ctx context.Context, cutoff time.Time) (int, error)
}
