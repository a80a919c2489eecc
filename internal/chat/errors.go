package chat

import (
	"errors"
	"fmt"
)

var (
	ErrConversationNotActive = errors.New("chat: conversation is not active")
	ErrUnknownConversation   = errors.New("chat: unknown conversation")
	ErrEmptyMessage          = errors.New("chat: message has no content and no attachments")
	ErrSuperseded            = errors.New("chat: superseded by a newer conversation selection")
	ErrSessionClosed         = errors.New("chat: session closed")
	ErrNotRetryable          = errors.New("chat: message is not in failed state")
)

// NetworkError is a failed or timed-out request to the API. It never corrupts
// local state and the operation may be retried.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("chat: %s: network: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the request may succeed. Failures that
// carry no verdict of their own (timeouts, dropped connections) are retryable.
func (e *NetworkError) Retryable() bool { return retryable(e.Err) }

func retryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

func networkError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return err
	}
	return &NetworkError{Op: op, Err: err}
}

// ReconciliationConflict reports a durable message that could neither replace a
// transient entry nor be appended because its conversation is not in the log.
// It is logged and skipped, never fatal.
type ReconciliationConflict struct {
	MessageID      string
	ConversationID string
	Active         string
}

func (e *ReconciliationConflict) Error() string {
	if e.Active == "" {
		return fmt.Sprintf("chat: message %s for conversation %s: no active conversation", e.MessageID, e.ConversationID)
	}
	return fmt.Sprintf("chat: message %s for conversation %s: active conversation is %s", e.MessageID, e.ConversationID, e.Active)
}

// TransportDisconnected is surfaced only when reconnection gave up.
type TransportDisconnected struct {
	Attempts int
	Err      error
}

func (e *TransportDisconnected) Error() string {
	return fmt.Sprintf("chat: transport disconnected after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransportDisconnected) Unwrap() error { return e.Err }

// SendFailed is attached to an entry in the failed state. Sends fail as data:
// the entry stays visible and can be retried.
type SendFailed struct {
	Ref MessageRef
	Err error
}

func (e *SendFailed) Error() string {
	return fmt.Sprintf("chat: send %s failed: %v", e.Ref, e.Err)
}

func (e *SendFailed) Unwrap() error { return e.Err }
