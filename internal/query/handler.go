package query

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"credindex/internal/projector/models"
	dErrors "credindex/pkg/domain-errors"
	"credindex/pkg/platform/httputil"
	request "credindex/pkg/platform/middleware/request"
)

// Handler exposes the projection over HTTP. All endpoints are read-only.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates the query HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the query routes on the given router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/v1/credentials/{tokenID}", h.HandleGetCredential)
	r.Get("/v1/credentials/{tokenID}/events", h.HandleListCredentialEvents)
	r.Get("/v1/issuers/{address}", h.HandleGetIssuer)
	r.Get("/v1/credential-types/{key}", h.HandleGetCredentialType)
}

// HandleGetCredential returns the credential aggregate for a token ID.
func (h *Handler) HandleGetCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tokenID := chi.URLParam(r, "tokenID")
	if tokenID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "token id required"))
		return
	}

	credential, err := h.service.GetCredential(ctx, tokenID)
	if err != nil {
		h.logError(r, "get credential failed", err, "token_id", tokenID)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, toCredentialResponse(credential))
}

// HandleListCredentialEvents returns a credential's event history.
func (h *Handler) HandleListCredentialEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tokenID := chi.URLParam(r, "tokenID")
	if tokenID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "token id required"))
		return
	}

	events, err := h.service.ListCredentialEvents(ctx, tokenID)
	if err != nil {
		h.logError(r, "list credential events failed", err, "token_id", tokenID)
		httputil.WriteError(w, err)
		return
	}

	out := make([]EventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventResponse(ev))
	}
	httputil.WriteJSON(w, http.StatusOK, EventListResponse{Events: out})
}

// HandleGetIssuer returns the issuer aggregate for an address.
func (h *Handler) HandleGetIssuer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := chi.URLParam(r, "address")
	if address == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "issuer address required"))
		return
	}

	issuer, err := h.service.GetIssuer(ctx, address)
	if err != nil {
		h.logError(r, "get issuer failed", err, "address", address)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, toIssuerResponse(issuer))
}

// HandleGetCredentialType returns the credential-type aggregate. The key may
// be the readable type name or the normalized form.
func (h *Handler) HandleGetCredentialType(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")
	if key == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "credential type required"))
		return
	}

	credType, err := h.service.GetCredentialType(ctx, key)
	if err != nil {
		h.logError(r, "get credential type failed", err, "key", key)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, toCredentialTypeResponse(credType))
}

func (h *Handler) logError(r *http.Request, msg string, err error, args ...any) {
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		return
	}
	ctx := r.Context()
	args = append(args, "error", err, "request_id", request.GetRequestID(ctx))
	h.logger.ErrorContext(ctx, msg, args...)
}

// CredentialResponse is the HTTP shape of a credential aggregate.
type CredentialResponse struct {
	ID               string     `json:"id"`
	TokenID          string     `json:"token_id"`
	Recipient        string     `json:"recipient"`
	Issuer           string     `json:"issuer"`
	CredentialType   string     `json:"credential_type"`
	MetadataURI      string     `json:"metadata_uri,omitempty"`
	CredentialHash   string     `json:"credential_hash,omitempty"`
	Status           string     `json:"status"`
	IssuedAt         time.Time  `json:"issued_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokedBy        string     `json:"revoked_by,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

// IssuerResponse is the HTTP shape of an issuer aggregate.
type IssuerResponse struct {
	ID                     string    `json:"id"`
	Address                string    `json:"address"`
	Name                   string    `json:"name,omitempty"`
	IsVerified             bool      `json:"is_verified"`
	RegisteredAt           time.Time `json:"registered_at,omitempty"`
	TotalCredentialsIssued int64     `json:"total_credentials_issued"`
	TotalActiveCredentials int64     `json:"total_active_credentials"`
	AuthorizedTypes        []string  `json:"authorized_types"`
}

// CredentialTypeResponse is the HTTP shape of a credential-type aggregate.
type CredentialTypeResponse struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	TotalIssued       int64    `json:"total_issued"`
	TotalActive       int64    `json:"total_active"`
	AuthorizedIssuers []string `json:"authorized_issuers"`
}

// EventResponse is the HTTP shape of one event row.
type EventResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	ChainID        uint64    `json:"chain_id"`
	BlockNumber    uint64    `json:"block_number"`
	BlockTimestamp time.Time `json:"block_timestamp"`
	LogIndex       uint32    `json:"log_index"`
	TxHash         string    `json:"tx_hash"`
}

// EventListResponse wraps a credential's event history.
type EventListResponse struct {
	Events []EventResponse `json:"events"`
}

func toCredentialResponse(c models.Credential) CredentialResponse {
	return CredentialResponse{
		ID:               c.ID,
		TokenID:          c.TokenID,
		Recipient:        c.Recipient,
		Issuer:           c.Issuer,
		CredentialType:   c.CredentialType,
		MetadataURI:      c.MetadataURI,
		CredentialHash:   c.CredentialHash,
		Status:           string(c.Status),
		IssuedAt:         c.IssuedAt,
		RevokedAt:        c.RevokedAt,
		RevokedBy:        c.RevokedBy,
		RevocationReason: c.RevocationReason,
	}
}

func toIssuerResponse(i models.Issuer) IssuerResponse {
	types := i.AuthorizedTypes
	if types == nil {
		types = []string{}
	}
	return IssuerResponse{
		ID:                     i.ID,
		Address:                i.Address,
		Name:                   i.Name,
		IsVerified:             i.IsVerified,
		RegisteredAt:           i.RegisteredAt,
		TotalCredentialsIssued: i.TotalCredentialsIssued,
		TotalActiveCredentials: i.TotalActiveCredentials,
		AuthorizedTypes:        types,
	}
}

func toCredentialTypeResponse(t models.CredentialType) CredentialTypeResponse {
	issuers := t.AuthorizedIssuers
	if issuers == nil {
		issuers = []string{}
	}
	return CredentialTypeResponse{
		ID:                t.ID,
		Name:              t.Name,
		TotalIssued:       t.TotalIssued,
		TotalActive:       t.TotalActive,
		AuthorizedIssuers: issuers,
	}
}

func toEventResponse(e models.EventRecord) EventResponse {
	return EventResponse{
		ID:             e.ID,
		Name:           e.Name,
		ChainID:        e.ChainID,
		BlockNumber:    e.BlockNumber,
		BlockTimestamp: e.BlockTimestamp,
		LogIndex:       e.LogIndex,
		TxHash:         e.TxHash,
	}
}
