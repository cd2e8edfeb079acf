package publish

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/vpbank/snmp_gateway/models"
)

var (
	// ErrInvalidMessage marks a message the platform rejected for a
	// client-side reason. Retrying it can never succeed.
	ErrInvalidMessage = errors.New("publish: invalid message")

	// ErrPlatformUnavailable marks any other delivery failure.
	ErrPlatformUnavailable = errors.New("publish: platform unavailable")
)

// PlatformError is a delivery failure reported by a Sink. Status follows
// HTTP semantics; transport failures use status 0.
type PlatformError struct {
	Status int
	Reason string
	Err    error
}

func (e *PlatformError) Error() string {
	switch {
	case e.Err != nil && e.Reason != "":
		return fmt.Sprintf("platform status %d: %s: %v", e.Status, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("platform status %d: %v", e.Status, e.Err)
	default:
		return fmt.Sprintf("platform status %d: %s", e.Status, e.Reason)
	}
}

// Unwrap exposes the class sentinel and the cause, so errors.Is works with
// both ErrInvalidMessage/ErrPlatformUnavailable and the underlying error.
func (e *PlatformError) Unwrap() []error {
	class := ErrPlatformUnavailable
	if IsInvalidStatus(e.Status) {
		class = ErrInvalidMessage
	}
	if e.Err == nil {
		return []error{class}
	}
	return []error{class, e.Err}
}

// IsInvalidStatus reports whether status puts a message in the
// invalid-message class: any 4xx except 401, 402 and 408.
func IsInvalidStatus(status int) bool {
	if status < http.StatusBadRequest || status >= http.StatusInternalServerError {
		return false
	}
	switch status {
	case http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusRequestTimeout:
		return false
	}
	return true
}

// IsInvalid reports whether err means the message itself was rejected.
func IsInvalid(err error) bool {
	return err != nil && errors.Is(err, ErrInvalidMessage)
}

// PublishError returns undelivered messages to the caller for re-queueing.
type PublishError struct {
	Messages []models.Message
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish: platform unavailable, %d message(s) returned: %v", len(e.Messages), e.Err)
}

func (e *PublishError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPlatformUnavailable}
	}
	return []error{ErrPlatformUnavailable, e.Err}
}

// BatchError reports per-message outcomes of a batch delivery, keyed by the
// message's index in the batch. Indexes absent from Errs were delivered,
// unless Aborted is set, in which case nothing after the first
// non-invalid failure was attempted.
type BatchError struct {
	Errs    map[int]error
	Aborted bool
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("publish: %d message(s) of batch failed", len(e.Errs))
}
