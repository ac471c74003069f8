// Package query serves the read side of the projection: credential, issuer,
// and credential-type lookups plus per-credential event history, with an
// optional Redis read-through cache in front of the store.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"credindex/internal/chain"
	"credindex/internal/projector/models"
	"credindex/internal/projector/store"
)

const defaultCacheTTL = 30 * time.Second

// Cache is the subset of the Redis client the service uses.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Service answers read queries against the projection.
//
// Cached entries are never invalidated by the projector; staleness is
// bounded by the TTL, which is acceptable for counters derived from an
// eventually consistent event feed.
type Service struct {
	store  store.Store
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// ServiceOption configures the Service.
type ServiceOption func(*Service)

// WithCache enables the read-through cache.
func WithCache(cache Cache, ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.cache = cache
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a query service over the given store.
func NewService(st store.Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:  st,
		ttl:    defaultCacheTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetCredential returns the credential aggregate for a token ID.
func (s *Service) GetCredential(ctx context.Context, tokenID string) (models.Credential, error) {
	key := chain.CredentialKey(tokenID)
	var credential models.Credential
	err := s.cached(ctx, "credential:"+tokenID, &credential, func(ctx context.Context) (any, error) {
		return s.store.GetCredential(ctx, key)
	})
	return credential, err
}

// ListCredentialEvents returns the event history for a token, oldest first.
// History is not cached: it grows monotonically and reads are rare.
func (s *Service) ListCredentialEvents(ctx context.Context, tokenID string) ([]models.EventRecord, error) {
	return s.store.ListEventsByCredential(ctx, chain.CredentialKey(tokenID))
}

// GetIssuer returns the issuer aggregate for an address.
func (s *Service) GetIssuer(ctx context.Context, address string) (models.Issuer, error) {
	addr := chain.NormalizeAddress(address)
	var issuer models.Issuer
	err := s.cached(ctx, "issuer:"+addr, &issuer, func(ctx context.Context) (any, error) {
		return s.store.GetIssuer(ctx, chain.IssuerKey(addr))
	})
	return issuer, err
}

// GetCredentialType returns the credential-type aggregate. The argument may
// be the readable name or an already-normalized key.
func (s *Service) GetCredentialType(ctx context.Context, nameOrKey string) (models.CredentialType, error) {
	key := nameOrKey
	if !isTypeKey(nameOrKey) {
		key = chain.TypeKey(nameOrKey)
	}
	var credType models.CredentialType
	err := s.cached(ctx, "credtype:"+key, &credType, func(ctx context.Context) (any, error) {
		return s.store.GetCredentialType(ctx, key)
	})
	return credType, err
}

func isTypeKey(v string) bool {
	return len(v) > 5 && v[:5] == "type_"
}

// cached runs fn through the read-through cache. Cache failures degrade to
// store reads; misses on the store are not cached.
func (s *Service) cached(ctx context.Context, key string, out any, fn func(context.Context) (any, error)) error {
	cacheKey := "credindex:query:" + key

	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, cacheKey); err == nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err == nil {
				return nil
			}
			s.logger.Warn("discarding undecodable cache entry", "key", cacheKey)
		}
	}

	value, err := fn(ctx)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, raw, s.ttl); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("cache write failed", "key", cacheKey, "error", err)
		}
	}
	return nil
}
