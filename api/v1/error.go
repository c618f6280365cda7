package api_v1

import "fmt"

// ValidationError reports bad input or an illegal transition attempt. The
// caller can fix the request and retry.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Message)
}

// NotFoundError reports an unknown token or session id.
type NotFoundError struct {
	Kind string
	Id   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Id)
}

// ExpiredError reports a time-barred session. Distinct from NotFoundError so
// callers can render "this link has expired" instead of "invalid link".
type ExpiredError struct {
	SessionId string
}

func (e ExpiredError) Error() string {
	return fmt.Sprintf("session %s has expired", e.SessionId)
}

// ConflictError reports a lost concurrency race, such as submitting a
// recipient that was completed by a concurrent request.
type ConflictError struct {
	Message string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s", e.Message)
}

// NotificationError reports a failed notification dispatch. It is logged by
// callers and never rolls back the state transition that triggered it.
type NotificationError struct {
	RecipientId string
	Cause       error
}

func (e NotificationError) Error() string {
	return fmt.Sprintf("notification to recipient %s failed: %v", e.RecipientId, e.Cause)
}

func (e NotificationError) Unwrap() error {
	return e.Cause
}
