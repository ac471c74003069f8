// Package chain defines the decoded on-chain event model consumed by the
// projector: the log envelope, the typed event payloads, and the
// normalization rules for addresses and credential type keys.
package chain

import (
	"fmt"
	"strings"
	"time"
)

// Envelope carries the log position and block metadata shared by every event.
// The triple (ChainID, BlockNumber, LogIndex) uniquely identifies a log.
type Envelope struct {
	ChainID        uint64 `json:"chainId"`
	BlockNumber    uint64 `json:"blockNumber"`
	BlockTimestamp int64  `json:"blockTimestamp"`
	LogIndex       uint32 `json:"logIndex"`
	TxHash         string `json:"txHash"`
	GasUsed        uint64 `json:"gasUsed"`
}

// EventID returns the composite identifier for the log position.
// Redelivery of the same log yields the same ID, which is what makes
// event-row writes idempotent.
func (e Envelope) EventID() string {
	return fmt.Sprintf("%d_%d_%d", e.ChainID, e.BlockNumber, e.LogIndex)
}

// BlockTime converts the block timestamp from unix seconds to UTC time.
func (e Envelope) BlockTime() time.Time {
	return time.Unix(e.BlockTimestamp, 0).UTC()
}

// Event is implemented by every decoded on-chain event payload.
type Event interface {
	// EventName returns the contract event name as emitted in the ABI.
	EventName() string
}

// Contract event names.
const (
	NameCredentialMinted          = "CredentialMinted"
	NameCredentialRevoked         = "CredentialRevoked"
	NameCredentialRegistered      = "CredentialRegistered"
	NameIssuerRegistered          = "IssuerRegistered"
	NameIssuerVerificationChanged = "IssuerVerificationChanged"
	NameTransfer                  = "Transfer"
	NameApproval                  = "Approval"
	NameApprovalForAll            = "ApprovalForAll"
	NamePaused                    = "Paused"
	NameUnpaused                  = "Unpaused"
	NameMetadataUpdate            = "MetadataUpdate"
	NameDelegationGranted         = "DelegationGranted"
	NameDelegationRevoked         = "DelegationRevoked"
	NameRoleGranted               = "RoleGranted"
	NameRoleRevoked               = "RoleRevoked"
	NameContractUpgraded          = "ContractUpgraded"
)

// CredentialMinted is emitted when a new soulbound credential is issued.
type CredentialMinted struct {
	TokenID        string `json:"tokenId"`
	Recipient      string `json:"recipient"`
	Issuer         string `json:"issuer"`
	CredentialType string `json:"credentialType"`
	MetadataURI    string `json:"metadataURI"`
}

func (CredentialMinted) EventName() string { return NameCredentialMinted }

// CredentialRevoked is emitted when an issued credential is revoked.
type CredentialRevoked struct {
	TokenID string `json:"tokenId"`
	Revoker string `json:"revoker"`
	Reason  string `json:"reason"`
}

func (CredentialRevoked) EventName() string { return NameCredentialRevoked }

// CredentialRegistered is emitted by the registry contract when a content
// hash is recorded for an already-minted credential.
type CredentialRegistered struct {
	TokenID        string `json:"tokenId"`
	CredentialHash string `json:"credentialHash"`
	Registrant     string `json:"registrant"`
}

func (CredentialRegistered) EventName() string { return NameCredentialRegistered }

// IssuerRegistered is emitted when an issuer is registered on-chain.
type IssuerRegistered struct {
	Issuer string `json:"issuer"`
	Name   string `json:"name"`
}

func (IssuerRegistered) EventName() string { return NameIssuerRegistered }

// IssuerVerificationChanged is emitted when an issuer's verified flag flips.
type IssuerVerificationChanged struct {
	Issuer     string `json:"issuer"`
	IsVerified bool   `json:"isVerified"`
}

func (IssuerVerificationChanged) EventName() string { return NameIssuerVerificationChanged }

// Transfer is emitted on token transfers. Credentials are soulbound, so in
// practice these are mint (from zero address) or no-op transfers.
type Transfer struct {
	From    string `json:"from"`
	To      string `json:"to"`
	TokenID string `json:"tokenId"`
}

func (Transfer) EventName() string { return NameTransfer }

// Approval is emitted on token approval changes.
type Approval struct {
	Owner    string `json:"owner"`
	Approved string `json:"approved"`
	TokenID  string `json:"tokenId"`
}

func (Approval) EventName() string { return NameApproval }

// ApprovalForAll is emitted on operator approval changes.
type ApprovalForAll struct {
	Owner    string `json:"owner"`
	Operator string `json:"operator"`
	Approved bool   `json:"approved"`
}

func (ApprovalForAll) EventName() string { return NameApprovalForAll }

// Paused is emitted when the contract is paused.
type Paused struct {
	Account string `json:"account"`
}

func (Paused) EventName() string { return NamePaused }

// Unpaused is emitted when the contract is unpaused.
type Unpaused struct {
	Account string `json:"account"`
}

func (Unpaused) EventName() string { return NameUnpaused }

// MetadataUpdate is emitted when a token's metadata URI changes.
type MetadataUpdate struct {
	TokenID string `json:"tokenId"`
}

func (MetadataUpdate) EventName() string { return NameMetadataUpdate }

// DelegationGranted is emitted when a smart account grants a scoped
// delegation to a backend delegate.
type DelegationGranted struct {
	Delegator string `json:"delegator"`
	Delegate  string `json:"delegate"`
	Scope     string `json:"scope"`
}

func (DelegationGranted) EventName() string { return NameDelegationGranted }

// DelegationRevoked is emitted when a delegation is revoked.
type DelegationRevoked struct {
	Delegator string `json:"delegator"`
	Delegate  string `json:"delegate"`
}

func (DelegationRevoked) EventName() string { return NameDelegationRevoked }

// RoleGranted is emitted when an access-control role is granted.
type RoleGranted struct {
	Role    string `json:"role"`
	Account string `json:"account"`
	Sender  string `json:"sender"`
}

func (RoleGranted) EventName() string { return NameRoleGranted }

// RoleRevoked is emitted when an access-control role is revoked.
type RoleRevoked struct {
	Role    string `json:"role"`
	Account string `json:"account"`
	Sender  string `json:"sender"`
}

func (RoleRevoked) EventName() string { return NameRoleRevoked }

// ContractUpgraded is emitted when the proxy implementation changes.
type ContractUpgraded struct {
	Implementation string `json:"implementation"`
}

func (ContractUpgraded) EventName() string { return NameContractUpgraded }

// NormalizeAddress lowercases an address for key stability. All
// address-typed fields are normalized at write time.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// TypeKey normalizes a human-readable credential type into a stable
// aggregate key: lowercased, runs of non-alphanumerics collapsed to a
// single underscore, prefixed with "type_". The readable string is kept
// as a field on the aggregate; only lookups use the key.
func TypeKey(credentialType string) string {
	var b strings.Builder
	b.WriteString("type_")

	lastUnderscore := true // suppress a leading separator
	for _, r := range strings.ToLower(strings.TrimSpace(credentialType)) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	return strings.TrimSuffix(b.String(), "_")
}

// IssuerKey normalizes an issuer address into its aggregate key.
func IssuerKey(addr string) string {
	return "issuer_" + NormalizeAddress(addr)
}

// CredentialKey builds the aggregate key for a token ID.
func CredentialKey(tokenID string) string {
	return "credential_" + tokenID
}
