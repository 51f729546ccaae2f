package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the sync core. These provide consistent, checkable
// errors for the common failure paths of rooms and reconcilers.
var (
	// ErrStaleUpdate signals that a reconciler dropped an event because it was
	// not newer than the locally applied state. It is a normal outcome, not a failure.
	ErrStaleUpdate = errors.New("stale update discarded")

	// ErrNotConnected is returned when an operation needs an open transport channel.
	ErrNotConnected = errors.New("transport channel not connected")

	// ErrRoomNotJoined is returned for operations on a room the session has not joined.
	ErrRoomNotJoined = errors.New("room not joined")

	// ErrMessageNotFound is returned when a message id is unknown to the log.
	ErrMessageNotFound = errors.New("message not found")

	// ErrMessageDeleted is returned when trying to mutate a soft-deleted message.
	ErrMessageDeleted = errors.New("message is deleted")

	// ErrClosed is returned by components used after shutdown.
	ErrClosed = errors.New("closed")

	// ErrEmptyMessage is returned when a message has no visible content.
	ErrEmptyMessage = errors.New("message content is empty")
)

// ConnectionError reports a handshake or network failure on the transport channel.
// Connection errors are never fatal; callers retry them with backoff.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("connection %s %s: %v", e.Op, e.URL, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller should retry. Every connection error is.
func (e *ConnectionError) Retryable() bool {
	return true
}

// SendFailure reports an optimistic local mutation whose outbound send failed.
// The mutation stays visible locally and can be retried.
type SendFailure struct {
	LocalID string
	Kind    string
	Err     error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("send %s %s failed: %v", e.Kind, e.LocalID, e.Err)
}

// Unwrap returns the underlying error.
func (e *SendFailure) Unwrap() error {
	return e.Err
}

// RejectedError is a relay refusal of an intent. Only internal failures and
// intents that reached the relay before the room was rejoined are worth
// sending again unchanged.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected (%s): %s", e.Code, e.Message)
}

// Retryable reports whether resending the same intent may succeed.
func (e *RejectedError) Retryable() bool {
	switch e.Code {
	case "internal", "not_joined":
		return true
	}
	return false
}

// MediaKind identifies a capture device class.
type MediaKind string

const (
	MediaCamera     MediaKind = "camera"
	MediaMicrophone MediaKind = "microphone"
)

// MediaAccessError reports a denied camera or microphone permission.
// It is recoverable by asking again.
type MediaAccessError struct {
	Kind MediaKind
	Err  error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("%s access denied: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *MediaAccessError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient condition worth retrying.
func IsRetryable(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Retryable()
	}
	var mediaErr *MediaAccessError
	return errors.As(err, &mediaErr)
}
