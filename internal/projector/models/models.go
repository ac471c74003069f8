// Package models defines the persisted shapes of the credential projection:
// the immutable per-log event rows and the three derived aggregates.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a credential aggregate.
// Transitions are one-way: ACTIVE -> REVOKED. TRANSFERRED exists in the
// schema for non-soulbound deployments but is never set by the projector.
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusRevoked     Status = "REVOKED"
	StatusTransferred Status = "TRANSFERRED"
)

// EventRecord is one immutable row per emitted log, keyed by the composite
// event ID. Rows are never mutated after creation.
type EventRecord struct {
	ID             string
	Name           string
	ChainID        uint64
	BlockNumber    uint64
	BlockTimestamp time.Time
	LogIndex       uint32
	TxHash         string
	GasUsed        uint64
	Payload        json.RawMessage

	// CredentialID back-references the credential aggregate for events that
	// carry a token ID (Transfer in particular) without mutating it.
	CredentialID string
}

// Credential is the per-token aggregate derived from mint, revoke, and
// registration events. Issuer and TokenID are immutable once minted.
type Credential struct {
	ID             string
	TokenID        string
	Recipient      string
	Issuer         string
	CredentialType string
	MetadataURI    string
	CredentialHash string
	Status         Status
	IssuedAt       time.Time

	RevokedAt        *time.Time
	RevokedBy        string
	RevocationReason string

	MintEventID     string
	RegistryEventID string
	RevokeEventID   string

	// Version guards read-modify-write cycles; every successful write
	// increments it by one.
	Version int64
}

// Issuer is the per-address aggregate, keyed by lowercased address.
// TotalCredentialsIssued only grows; TotalActiveCredentials is floored at
// zero on decrement.
type Issuer struct {
	ID           string
	Address      string
	Name         string
	IsVerified   bool
	RegisteredAt time.Time

	TotalCredentialsIssued int64
	TotalActiveCredentials int64
	AuthorizedTypes        []string

	Version int64
}

// HasType reports whether the issuer already carries the given type key.
func (i Issuer) HasType(typeKey string) bool {
	for _, t := range i.AuthorizedTypes {
		if t == typeKey {
			return true
		}
	}
	return false
}

// CredentialType is the per-type aggregate, keyed by the normalized type
// key. Name preserves the human-readable string from the first mint.
type CredentialType struct {
	ID   string
	Name string

	TotalIssued       int64
	TotalActive       int64
	AuthorizedIssuers []string

	Version int64
}

// HasIssuer reports whether the type already lists the given issuer address.
func (t CredentialType) HasIssuer(addr string) bool {
	for _, a := range t.AuthorizedIssuers {
		if a == addr {
			return true
		}
	}
	return false
}

// PendingUpdate buffers a revoke or registration event that arrived before
// the mint of its token. Entries are drained when the mint is applied, or
// expired after the configured TTL and counted as anomalies.
type PendingUpdate struct {
	ID        uuid.UUID
	TokenID   string
	EventID   string
	EventName string
	Message   json.RawMessage
	CreatedAt time.Time
}
