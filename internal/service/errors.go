// Package service implements the inbox synchronization engine.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/capitalize-ai/marketplace-inbox/internal/model"
)

// Error taxonomy. Fetch failures and cancellations are absorbed by the
// engine; resolve and send failures are returned to the caller.
var (
	ErrResolveFailed = errors.New("resolve failed")
	ErrFetchFailed   = errors.New("fetch failed")
	ErrSendFailed    = errors.New("send failed")
	ErrCancelled     = errors.New("request cancelled")

	ErrInvalidContent       = errors.New("invalid message content")
	ErrInvalidConversation  = errors.New("invalid conversation")
	ErrInvalidDeepLink      = errors.New("invalid deep link")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrNotMounted           = errors.New("inbox not mounted")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotRetryable         = errors.New("message is not in failed state")
)

// classify wraps err with kind, or with ErrCancelled when the request was
// cancelled rather than failed. Deadline overruns count as failures.
func classify(kind, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func isCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// SendError is returned by the composer when a message could not be
// delivered. The message stays in the thread in failed state.
type SendError struct {
	ProvisionalID model.ProvisionalID
	Err           error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("message %s: %v", e.ProvisionalID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
