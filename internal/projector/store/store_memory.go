package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"credindex/internal/projector/models"
)

// InMemoryStore is an in-memory implementation of Store for tests or local
// use. It is safe for concurrent access but does not persist across process
// restarts.
type InMemoryStore struct {
	mu          sync.RWMutex
	events      map[string]models.EventRecord
	eventOrder  []string
	credentials map[string]models.Credential
	issuers     map[string]models.Issuer
	credTypes   map[string]models.CredentialType
	pending     []models.PendingUpdate
}

// NewInMemoryStore constructs an empty in-memory projection store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events:      make(map[string]models.EventRecord),
		credentials: make(map[string]models.Credential),
		issuers:     make(map[string]models.Issuer),
		credTypes:   make(map[string]models.CredentialType),
	}
}

// WithinTx runs fn against a snapshot of the store and swaps the snapshot
// in only when fn returns nil, mirroring the all-or-nothing commit of the
// Postgres implementation. Transactions serialize on the store lock.
func (s *InMemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.snapshot()
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.events = tx.events
	s.eventOrder = tx.eventOrder
	s.credentials = tx.credentials
	s.issuers = tx.issuers
	s.credTypes = tx.credTypes
	s.pending = tx.pending
	return nil
}

// snapshot deep-copies the store state. Callers hold s.mu.
func (s *InMemoryStore) snapshot() *InMemoryStore {
	tx := NewInMemoryStore()
	for id, rec := range s.events {
		tx.events[id] = rec
	}
	tx.eventOrder = append([]string(nil), s.eventOrder...)
	for id, c := range s.credentials {
		tx.credentials[id] = c
	}
	for id, i := range s.issuers {
		i.AuthorizedTypes = append([]string(nil), i.AuthorizedTypes...)
		tx.issuers[id] = i
	}
	for id, t := range s.credTypes {
		t.AuthorizedIssuers = append([]string(nil), t.AuthorizedIssuers...)
		tx.credTypes[id] = t
	}
	tx.pending = append([]models.PendingUpdate(nil), s.pending...)
	return tx
}

// AppendEvent inserts the event row unless the ID is already present.
func (s *InMemoryStore) AppendEvent(_ context.Context, rec models.EventRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[rec.ID]; exists {
		return false, nil
	}
	s.events[rec.ID] = rec
	s.eventOrder = append(s.eventOrder, rec.ID)
	return true, nil
}

// ListEventsByCredential returns event rows for a credential in insertion order.
func (s *InMemoryStore) ListEventsByCredential(_ context.Context, credentialID string) ([]models.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.EventRecord
	for _, id := range s.eventOrder {
		if rec := s.events[id]; rec.CredentialID == credentialID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// GetCredential retrieves a credential aggregate or returns ErrNotFound.
func (s *InMemoryStore) GetCredential(_ context.Context, id string) (models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.credentials[id]; ok {
		return c, nil
	}
	return models.Credential{}, ErrNotFound
}

// PutCredential writes a credential aggregate with a version check.
func (s *InMemoryStore) PutCredential(_ context.Context, credential models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.credentials[credential.ID]
	if err := checkVersion(exists, current.Version, credential.Version); err != nil {
		return err
	}
	s.credentials[credential.ID] = credential
	return nil
}

// GetIssuer retrieves an issuer aggregate or returns ErrNotFound.
func (s *InMemoryStore) GetIssuer(_ context.Context, id string) (models.Issuer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i, ok := s.issuers[id]; ok {
		i.AuthorizedTypes = append([]string(nil), i.AuthorizedTypes...)
		return i, nil
	}
	return models.Issuer{}, ErrNotFound
}

// PutIssuer writes an issuer aggregate with a version check.
func (s *InMemoryStore) PutIssuer(_ context.Context, issuer models.Issuer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.issuers[issuer.ID]
	if err := checkVersion(exists, current.Version, issuer.Version); err != nil {
		return err
	}
	issuer.AuthorizedTypes = append([]string(nil), issuer.AuthorizedTypes...)
	s.issuers[issuer.ID] = issuer
	return nil
}

// GetCredentialType retrieves a credential-type aggregate or returns ErrNotFound.
func (s *InMemoryStore) GetCredentialType(_ context.Context, id string) (models.CredentialType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.credTypes[id]; ok {
		t.AuthorizedIssuers = append([]string(nil), t.AuthorizedIssuers...)
		return t, nil
	}
	return models.CredentialType{}, ErrNotFound
}

// PutCredentialType writes a credential-type aggregate with a version check.
func (s *InMemoryStore) PutCredentialType(_ context.Context, credType models.CredentialType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.credTypes[credType.ID]
	if err := checkVersion(exists, current.Version, credType.Version); err != nil {
		return err
	}
	credType.AuthorizedIssuers = append([]string(nil), credType.AuthorizedIssuers...)
	s.credTypes[credType.ID] = credType
	return nil
}

// AppendPending buffers a dependent update.
func (s *InMemoryStore) AppendPending(_ context.Context, pending models.PendingUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, pending)
	return nil
}

// TakePending removes and returns buffered updates for a token, oldest first.
func (s *InMemoryStore) TakePending(_ context.Context, tokenID string) ([]models.PendingUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var taken []models.PendingUpdate
	remaining := s.pending[:0]
	for _, p := range s.pending {
		if p.TokenID == tokenID {
			taken = append(taken, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	s.pending = remaining

	sort.SliceStable(taken, func(i, j int) bool {
		return taken[i].CreatedAt.Before(taken[j].CreatedAt)
	})
	return taken, nil
}

// ExpirePending removes and returns buffered updates created before the cutoff.
func (s *InMemoryStore) ExpirePending(_ context.Context, before time.Time) ([]models.PendingUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []models.PendingUpdate
	remaining := s.pending[:0]
	for _, p := range s.pending {
		if p.CreatedAt.Before(before) {
			expired = append(expired, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	s.pending = remaining
	return expired, nil
}

// CountPending returns the current buffer depth.
func (s *InMemoryStore) CountPending(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.pending)), nil
}

// checkVersion enforces the optimistic-concurrency contract shared by all
// aggregate writes.
func checkVersion(exists bool, stored, incoming int64) error {
	if !exists {
		if incoming != 1 {
			return ErrVersionConflict
		}
		return nil
	}
	if incoming != stored+1 {
		return ErrVersionConflict
	}
	return nil
}

var _ Store = (*InMemoryStore)(nil)
