package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable wraps every failure to reach the counter store,
	// including timeouts and an open circuit breaker.
	ErrUnavailable = errors.New("counter store unavailable")

	ErrNotConnected = fmt.Errorf("%w: client is not connected", ErrUnavailable)

	ErrNotFound = errors.New("counter not found")
)

// State of one counter entry. TTL is the time left before the entry expires.
type Counter struct {
	Total int64
	TTL   time.Duration
}
