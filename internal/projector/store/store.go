// Package store persists the credential projection: immutable event rows,
// the three aggregates, and the pending-update buffer. Implementations are
// safe for concurrent use.
package store

import (
	"context"
	"time"

	"credindex/internal/projector/models"
	pkgerrors "credindex/pkg/domain-errors"
)

var (
	// ErrNotFound keeps storage-specific 404s consistent across implementations.
	ErrNotFound = pkgerrors.New(pkgerrors.CodeNotFound, "record not found")

	// ErrVersionConflict signals a lost optimistic-concurrency race; callers
	// re-read the aggregate and retry the write.
	ErrVersionConflict = pkgerrors.New(pkgerrors.CodeConflict, "aggregate version conflict")
)

// Store holds the projection state.
//
// Aggregate writes are version-guarded: Put expects the record's Version to
// be one past the stored version (1 for a create). A mismatch returns
// ErrVersionConflict and leaves the stored record untouched.
type Store interface {
	// WithinTx runs fn against a transactional view of the store. Writes
	// made through tx become visible only when fn returns nil; any error
	// discards all of them. The projector relies on this to keep an event
	// row and its aggregate effects atomic.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// AppendEvent inserts an immutable event row. It reports false without
	// error when a row with the same ID already exists, which is how
	// redelivered logs are detected.
	AppendEvent(ctx context.Context, rec models.EventRecord) (bool, error)

	// ListEventsByCredential returns event rows back-referencing a
	// credential aggregate, oldest first.
	ListEventsByCredential(ctx context.Context, credentialID string) ([]models.EventRecord, error)

	GetCredential(ctx context.Context, id string) (models.Credential, error)
	PutCredential(ctx context.Context, credential models.Credential) error

	GetIssuer(ctx context.Context, id string) (models.Issuer, error)
	PutIssuer(ctx context.Context, issuer models.Issuer) error

	GetCredentialType(ctx context.Context, id string) (models.CredentialType, error)
	PutCredentialType(ctx context.Context, credType models.CredentialType) error

	// AppendPending buffers an update whose prerequisite mint has not been
	// seen yet.
	AppendPending(ctx context.Context, pending models.PendingUpdate) error

	// TakePending removes and returns buffered updates for a token, oldest
	// first.
	TakePending(ctx context.Context, tokenID string) ([]models.PendingUpdate, error)

	// ExpirePending removes and returns buffered updates created before the
	// cutoff. Expired entries are anomalies: their mint never arrived.
	ExpirePending(ctx context.Context, before time.Time) ([]models.PendingUpdate, error)

	// CountPending returns the current buffer depth, used for metrics.
	CountPending(ctx context.Context) (int64, error)
}
