package ratelimit

import (
	"errors"
	"fmt"

	"github.com/aman-churiwal/api-ratelimiter/internal/storage"
)

var (
	// ErrRateLimitExceeded matches every *ExceededError via errors.Is.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrStoreUnavailable is returned when the counter store cannot be
	// reached or a call to it timed out. Nothing is retried.
	ErrStoreUnavailable = storage.ErrUnavailable

	ErrInvalidConfiguration = errors.New("invalid rate limit configuration")

	ErrInvalidPoints = errors.New("points must be positive")
)

// Returned by Consume when the request does not fit in the remaining budget.
// Result is the unmodified state of the window.
type ExceededError struct {
	Result Result
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d points remaining, retry in %dms",
		e.Result.RemainingPoints, e.Result.MsBeforeNext)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}
