package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aman-churiwal/api-ratelimiter/internal/models"
	"github.com/aman-churiwal/api-ratelimiter/internal/repository"
	"github.com/google/uuid"
)

const (
	planCacheTTL     = 5 * time.Minute
	missingKeyTTL    = time.Minute
	missingKeyMarker = "-"
)

// Key/value cache in front of the API key table. storage.RedisClient
// satisfies it; Get must return an error for missing keys.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Looks up which plan an API token belongs to.
type PlanService struct {
	repository *repository.APIKeyRepository
	cache      Cache
}

// cache may be nil.
func NewPlanService(repo *repository.APIKeyRepository, cache Cache) *PlanService {
	return &PlanService{
		repository: repo,
		cache:      cache,
	}
}

func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// Issues a new key on plan and returns it in plain text. Only the hash is stored.
func (s *PlanService) Create(ctx context.Context, name, plan string) (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}

	key := "rl_" + base64.RawURLEncoding.EncodeToString(keyBytes)

	apiKey := models.APIKey{
		KeyHash:  HashKey(key),
		Name:     name,
		Plan:     plan,
		IsActive: true,
	}
	if err := s.repository.Create(ctx, &apiKey); err != nil {
		return "", fmt.Errorf("failed to create API key: %w", err)
	}

	return key, nil
}

// Returns the active key record for token, or nil if the token is unknown.
// Cache failures fall through to the database.
func (s *PlanService) Resolve(ctx context.Context, token string) (*models.APIKey, error) {
	keyHash := HashKey(token)
	cacheKey := fmt.Sprintf("apikey:plan:%s", keyHash)

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, cacheKey)
		if err == nil && cached == missingKeyMarker {
			return nil, nil
		}
		if err == nil && cached != "" {
			var apiKey models.APIKey
			if err := json.Unmarshal([]byte(cached), &apiKey); err == nil {
				return &apiKey, nil
			}
		}
	}

	apiKey, err := s.repository.FindByHash(ctx, keyHash)
	if err != nil {
		return nil, fmt.Errorf("failed to look up API key: %w", err)
	}

	if s.cache != nil {
		if apiKey == nil {
			_ = s.cache.Set(ctx, cacheKey, missingKeyMarker, missingKeyTTL)
		} else if data, err := json.Marshal(apiKey); err == nil {
			_ = s.cache.Set(ctx, cacheKey, data, planCacheTTL)
		}
	}

	return apiKey, nil
}

// ErrKeyNotFound is returned by Revoke for tokens with no active key.
var ErrKeyNotFound = errors.New("api key not found")

// Deactivates the key for token and replaces its cached entry, so the next
// request is served on the default plan.
func (s *PlanService) Revoke(ctx context.Context, token string) error {
	keyHash := HashKey(token)

	apiKey, err := s.repository.FindByHash(ctx, keyHash)
	if err != nil {
		return fmt.Errorf("failed to look up API key: %w", err)
	}
	if apiKey == nil {
		return ErrKeyNotFound
	}

	if err := s.repository.Deactivate(ctx, apiKey.ID); err != nil {
		return fmt.Errorf("failed to deactivate API key: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, fmt.Sprintf("apikey:plan:%s", keyHash), missingKeyMarker, missingKeyTTL); err != nil {
			return fmt.Errorf("key deactivated but cache entry not replaced: %w", err)
		}
	}
	return nil
}

// Records that the key was used. Meant to run off the request path.
func (s *PlanService) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	return s.repository.UpdateLastUsed(ctx, id)
}
