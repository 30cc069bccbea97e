package storage

import (
	"context"
	"errors"

	"github.com/aman-churiwal/api-ratelimiter/internal/circuitbreaker"
)

// Reports whether err says something about the store's health. A caller
// cancelling its own request does not.
func IsStoreFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Builds a breaker for RedisClient. IsFailure defaults to IsStoreFailure.
func NewBreaker(cfg circuitbreaker.Config) *circuitbreaker.CircuitBreaker {
	if cfg.IsFailure == nil {
		cfg.IsFailure = IsStoreFailure
	}
	return circuitbreaker.New(cfg)
}
