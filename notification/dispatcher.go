// Package notification defines the dispatcher contract the engine consumes.
// Transport details (email/SMS formatting) live behind the interface.
package notification

import (
	"context"

	"github.com/docrelay/docrelay/logger"
	"github.com/docrelay/docrelay/model"
	"go.uber.org/zap"
)

type Kind string

const KIND_CREATED Kind = "created"
const KIND_REMINDER Kind = "reminder"
const KIND_EXPIRED Kind = "expired"
const KIND_COMPLETED Kind = "completed"

// Dispatcher sends one message for a recipient in a session. Failures are
// reported to the caller but must never roll back the state transition that
// triggered the notification.
type Dispatcher interface {
	Notify(ctx context.Context, session *model.WorkflowSession, recipient *model.Recipient, kind Kind) error
}

// LogDispatcher is the default dispatcher: it records every notification in
// the structured log. Real transports replace it at wiring time.
type LogDispatcher struct{}

var _ Dispatcher = LogDispatcher{}

func (LogDispatcher) Notify(ctx context.Context, session *model.WorkflowSession, recipient *model.Recipient, kind Kind) error {
	logger.Info("notification dispatched",
		zap.String("kind", string(kind)),
		zap.String("sessionId", session.Id),
		zap.String("recipientId", recipient.Id),
		zap.String("recipientType", string(recipient.Type)),
		zap.String("email", recipient.Email),
		zap.String("mobile", recipient.Mobile))
	return nil
}
