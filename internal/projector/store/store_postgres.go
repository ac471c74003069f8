package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"credindex/internal/projector/models"
	pkgerrors "credindex/pkg/domain-errors"
)

// PostgresStore implements Store using PostgreSQL.
//
// Event rows use INSERT ... ON CONFLICT DO NOTHING keyed by the composite
// event ID. Aggregates carry a version column; updates are guarded by
// WHERE version = expected and report ErrVersionConflict on zero rows.
type PostgresStore struct {
	db *sql.DB
	q  querier
}

// querier is the subset of *sql.DB and *sql.Tx the store queries through,
// so every method works both inside and outside WithinTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewPostgresStore creates a new PostgreSQL projection store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

// WithinTx runs fn against a store bound to one database transaction,
// committing only when fn returns nil. A store already inside a transaction
// reuses it rather than nesting.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(ctx, s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "begin projection tx")
	}

	if err := fn(ctx, &PostgresStore{db: s.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "commit projection tx")
	}
	return nil
}

// AppendEvent inserts an immutable event row, reporting false on redelivery.
func (s *PostgresStore) AppendEvent(ctx context.Context, rec models.EventRecord) (bool, error) {
	query := `
		INSERT INTO chain_events (
			id, name, chain_id, block_number, block_timestamp, log_index,
			tx_hash, gas_used, payload, credential_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`

	res, err := s.q.ExecContext(ctx, query,
		rec.ID,
		rec.Name,
		rec.ChainID,
		rec.BlockNumber,
		rec.BlockTimestamp,
		rec.LogIndex,
		rec.TxHash,
		rec.GasUsed,
		nullableJSON(rec.Payload),
		nullableString(rec.CredentialID),
	)
	if err != nil {
		return false, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "insert event row")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "event rows affected")
	}
	return rows == 1, nil
}

// ListEventsByCredential returns event rows for a credential in log order.
func (s *PostgresStore) ListEventsByCredential(ctx context.Context, credentialID string) ([]models.EventRecord, error) {
	query := `
		SELECT id, name, chain_id, block_number, block_timestamp, log_index,
		       tx_hash, gas_used, payload, credential_id
		FROM chain_events
		WHERE credential_id = $1
		ORDER BY chain_id, block_number, log_index
	`

	rows, err := s.q.QueryContext(ctx, query, credentialID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "query event rows")
	}
	defer rows.Close()

	var records []models.EventRecord
	for rows.Next() {
		var (
			rec          models.EventRecord
			payload      []byte
			credentialID sql.NullString
		)
		err := rows.Scan(
			&rec.ID,
			&rec.Name,
			&rec.ChainID,
			&rec.BlockNumber,
			&rec.BlockTimestamp,
			&rec.LogIndex,
			&rec.TxHash,
			&rec.GasUsed,
			&payload,
			&credentialID,
		)
		if err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "scan event row")
		}
		rec.Payload = payload
		rec.CredentialID = credentialID.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "iterate event rows")
	}
	return records, nil
}

// GetCredential retrieves a credential aggregate or returns ErrNotFound.
func (s *PostgresStore) GetCredential(ctx context.Context, id string) (models.Credential, error) {
	query := `
		SELECT id, token_id, recipient, issuer, credential_type, metadata_uri,
		       credential_hash, status, issued_at, revoked_at, revoked_by,
		       revocation_reason, mint_event_id, registry_event_id,
		       revoke_event_id, version
		FROM credentials
		WHERE id = $1
	`

	var (
		c         models.Credential
		status    string
		revokedAt sql.NullTime
	)
	err := s.q.QueryRowContext(ctx, query, id).Scan(
		&c.ID,
		&c.TokenID,
		&c.Recipient,
		&c.Issuer,
		&c.CredentialType,
		&c.MetadataURI,
		&c.CredentialHash,
		&status,
		&c.IssuedAt,
		&revokedAt,
		&c.RevokedBy,
		&c.RevocationReason,
		&c.MintEventID,
		&c.RegistryEventID,
		&c.RevokeEventID,
		&c.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Credential{}, ErrNotFound
	}
	if err != nil {
		return models.Credential{}, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "query credential")
	}

	c.Status = models.Status(status)
	if revokedAt.Valid {
		t := revokedAt.Time
		c.RevokedAt = &t
	}
	return c, nil
}

// PutCredential writes a credential aggregate with a version guard.
func (s *PostgresStore) PutCredential(ctx context.Context, c models.Credential) error {
	if c.Version == 1 {
		query := `
			INSERT INTO credentials (
				id, token_id, recipient, issuer, credential_type, metadata_uri,
				credential_hash, status, issued_at, revoked_at, revoked_by,
				revocation_reason, mint_event_id, registry_event_id,
				revoke_event_id, version
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1)
			ON CONFLICT (id) DO NOTHING
		`
		res, err := s.q.ExecContext(ctx, query,
			c.ID, c.TokenID, c.Recipient, c.Issuer, c.CredentialType,
			c.MetadataURI, c.CredentialHash, string(c.Status), c.IssuedAt,
			c.RevokedAt, c.RevokedBy, c.RevocationReason,
			c.MintEventID, c.RegistryEventID, c.RevokeEventID,
		)
		return checkAffected(res, err, "insert credential")
	}

	query := `
		UPDATE credentials
		SET token_id = $2, recipient = $3, issuer = $4, credential_type = $5,
		    metadata_uri = $6, credential_hash = $7, status = $8,
		    issued_at = $9, revoked_at = $10, revoked_by = $11,
		    revocation_reason = $12, mint_event_id = $13,
		    registry_event_id = $14, revoke_event_id = $15, version = $16
		WHERE id = $1 AND version = $17
	`
	res, err := s.q.ExecContext(ctx, query,
		c.ID, c.TokenID, c.Recipient, c.Issuer, c.CredentialType,
		c.MetadataURI, c.CredentialHash, string(c.Status), c.IssuedAt,
		c.RevokedAt, c.RevokedBy, c.RevocationReason,
		c.MintEventID, c.RegistryEventID, c.RevokeEventID,
		c.Version, c.Version-1,
	)
	return checkAffected(res, err, "update credential")
}

// GetIssuer retrieves an issuer aggregate or returns ErrNotFound.
func (s *PostgresStore) GetIssuer(ctx context.Context, id string) (models.Issuer, error) {
	query := `
		SELECT id, address, name, is_verified, registered_at,
		       total_credentials_issued, total_active_credentials,
		       authorized_types, version
		FROM issuers
		WHERE id = $1
	`

	var (
		i     models.Issuer
		types []byte
	)
	err := s.q.QueryRowContext(ctx, query, id).Scan(
		&i.ID,
		&i.Address,
		&i.Name,
		&i.IsVerified,
		&i.RegisteredAt,
		&i.TotalCredentialsIssued,
		&i.TotalActiveCredentials,
		&types,
		&i.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Issuer{}, ErrNotFound
	}
	if err != nil {
		return models.Issuer{}, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "query issuer")
	}

	if err := unmarshalSet(types, &i.AuthorizedTypes); err != nil {
		return models.Issuer{}, err
	}
	return i, nil
}

// PutIssuer writes an issuer aggregate with a version guard.
func (s *PostgresStore) PutIssuer(ctx context.Context, i models.Issuer) error {
	types, err := json.Marshal(i.AuthorizedTypes)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "marshal authorized types")
	}

	if i.Version == 1 {
		query := `
			INSERT INTO issuers (
				id, address, name, is_verified, registered_at,
				total_credentials_issued, total_active_credentials,
				authorized_types, version
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
			ON CONFLICT (id) DO NOTHING
		`
		res, err := s.q.ExecContext(ctx, query,
			i.ID, i.Address, i.Name, i.IsVerified, i.RegisteredAt,
			i.TotalCredentialsIssued, i.TotalActiveCredentials, types,
		)
		return checkAffected(res, err, "insert issuer")
	}

	query := `
		UPDATE issuers
		SET address = $2, name = $3, is_verified = $4, registered_at = $5,
		    total_credentials_issued = $6, total_active_credentials = $7,
		    authorized_types = $8, version = $9
		WHERE id = $1 AND version = $10
	`
	res, execErr := s.q.ExecContext(ctx, query,
		i.ID, i.Address, i.Name, i.IsVerified, i.RegisteredAt,
		i.TotalCredentialsIssued, i.TotalActiveCredentials, types,
		i.Version, i.Version-1,
	)
	return checkAffected(res, execErr, "update issuer")
}

// GetCredentialType retrieves a credential-type aggregate or returns ErrNotFound.
func (s *PostgresStore) GetCredentialType(ctx context.Context, id string) (models.CredentialType, error) {
	query := `
		SELECT id, name, total_issued, total_active, authorized_issuers, version
		FROM credential_types
		WHERE id = $1
	`

	var (
		t       models.CredentialType
		issuers []byte
	)
	err := s.q.QueryRowContext(ctx, query, id).Scan(
		&t.ID,
		&t.Name,
		&t.TotalIssued,
		&t.TotalActive,
		&issuers,
		&t.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CredentialType{}, ErrNotFound
	}
	if err != nil {
		return models.CredentialType{}, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "query credential type")
	}

	if err := unmarshalSet(issuers, &t.AuthorizedIssuers); err != nil {
		return models.CredentialType{}, err
	}
	return t, nil
}

// PutCredentialType writes a credential-type aggregate with a version guard.
func (s *PostgresStore) PutCredentialType(ctx context.Context, t models.CredentialType) error {
	issuers, err := json.Marshal(t.AuthorizedIssuers)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "marshal authorized issuers")
	}

	if t.Version == 1 {
		query := `
			INSERT INTO credential_types (
				id, name, total_issued, total_active, authorized_issuers, version
			)
			VALUES ($1, $2, $3, $4, $5, 1)
			ON CONFLICT (id) DO NOTHING
		`
		res, err := s.q.ExecContext(ctx, query,
			t.ID, t.Name, t.TotalIssued, t.TotalActive, issuers,
		)
		return checkAffected(res, err, "insert credential type")
	}

	query := `
		UPDATE credential_types
		SET name = $2, total_issued = $3, total_active = $4,
		    authorized_issuers = $5, version = $6
		WHERE id = $1 AND version = $7
	`
	res, execErr := s.q.ExecContext(ctx, query,
		t.ID, t.Name, t.TotalIssued, t.TotalActive, issuers,
		t.Version, t.Version-1,
	)
	return checkAffected(res, execErr, "update credential type")
}

// AppendPending buffers a dependent update.
func (s *PostgresStore) AppendPending(ctx context.Context, pending models.PendingUpdate) error {
	query := `
		INSERT INTO pending_updates (id, token_id, event_id, event_name, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.q.ExecContext(ctx, query,
		pending.ID, pending.TokenID, pending.EventID, pending.EventName,
		nullableJSON(pending.Message), pending.CreatedAt,
	)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "insert pending update")
	}
	return nil
}

// TakePending removes and returns buffered updates for a token, oldest first.
func (s *PostgresStore) TakePending(ctx context.Context, tokenID string) ([]models.PendingUpdate, error) {
	query := `
		DELETE FROM pending_updates
		WHERE token_id = $1
		RETURNING id, token_id, event_id, event_name, message, created_at
	`
	return s.collectPending(ctx, query, tokenID)
}

// ExpirePending removes and returns buffered updates created before the cutoff.
func (s *PostgresStore) ExpirePending(ctx context.Context, before time.Time) ([]models.PendingUpdate, error) {
	query := `
		DELETE FROM pending_updates
		WHERE created_at < $1
		RETURNING id, token_id, event_id, event_name, message, created_at
	`
	return s.collectPending(ctx, query, before)
}

// CountPending returns the current buffer depth.
func (s *PostgresStore) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_updates`).Scan(&count)
	if err != nil {
		return 0, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "count pending updates")
	}
	return count, nil
}

// collectPending scans pending rows from a DELETE ... RETURNING query.
func (s *PostgresStore) collectPending(ctx context.Context, query string, arg any) ([]models.PendingUpdate, error) {
	rows, err := s.q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "delete pending updates")
	}
	defer rows.Close()

	var out []models.PendingUpdate
	for rows.Next() {
		var (
			p       models.PendingUpdate
			message []byte
		)
		if err := rows.Scan(&p.ID, &p.TokenID, &p.EventID, &p.EventName, &message, &p.CreatedAt); err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "scan pending update")
		}
		p.Message = message
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "iterate pending updates")
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// checkAffected translates exec results into the shared version-conflict error.
func checkAffected(res sql.Result, err error, op string) error {
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, op)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, op+" rows affected")
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func unmarshalSet(raw []byte, target *[]string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "unmarshal string set")
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
