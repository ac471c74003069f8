// Package projector folds the on-chain credential event stream into the
// derived aggregates: Credential, Issuer, and CredentialType.
//
// Every event is first recorded as an immutable row keyed by its log
// position; a redelivered event is detected there and never re-applied to
// the aggregates. The row and all of its aggregate effects commit in one
// store transaction, so a failed apply leaves no trace and the redelivery
// starts from scratch. Aggregate updates run as version-guarded
// read-modify-write cycles with bounded retries on conflict. Revoke and
// registration events that arrive before their mint are buffered per token
// and drained when the mint is applied; entries that outlive the TTL are
// expired and surfaced as counted anomalies rather than silently dropped.
package projector

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"credindex/internal/chain"
	"credindex/internal/projector/metrics"
	"credindex/internal/projector/models"
	"credindex/internal/projector/store"
	"credindex/internal/projector/tracer"
	pkgerrors "credindex/pkg/domain-errors"
)

const defaultMaxRetries = 3

// Projector applies decoded chain events to the projection store.
type Projector struct {
	store      store.Store
	metrics    *metrics.Metrics
	tracer     tracer.Tracer
	logger     *slog.Logger
	maxRetries int
	now        func() time.Time
}

// Option configures the Projector.
type Option func(*Projector)

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Projector) {
		p.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t tracer.Tracer) Option {
	return func(p *Projector) {
		p.tracer = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Projector) {
		p.logger = logger
	}
}

// WithMaxRetries bounds optimistic-concurrency retries per aggregate write.
func WithMaxRetries(n int) Option {
	return func(p *Projector) {
		p.maxRetries = n
	}
}

// WithClock injects the time source, used by tests to control pending TTLs.
func WithClock(now func() time.Time) Option {
	return func(p *Projector) {
		p.now = now
	}
}

// New creates a projector over the given store.
func New(st store.Store, opts ...Option) *Projector {
	p := &Projector{
		store:      st,
		tracer:     tracer.NewNoop(),
		maxRetries: defaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply records the event and updates the affected aggregates.
//
// Apply is idempotent per log position: a redelivered event is detected by
// its event-row ID and skipped entirely, so replaying the identical event
// leaves the aggregates byte-identical. The row and the aggregate writes
// commit atomically; duplicate detection therefore means "fully applied",
// and a failed apply rolls everything back for the redelivery to retry.
func (p *Projector) Apply(ctx context.Context, env chain.Envelope, event chain.Event) (err error) {
	start := p.now()
	ctx, span := p.tracer.Start(ctx, tracer.SpanApply,
		tracer.String(tracer.AttrEventID, env.EventID()),
		tracer.String(tracer.AttrEventName, event.EventName()),
		tracer.Int64(tracer.AttrBlockNumber, int64(env.BlockNumber)),
	)
	defer func() {
		span.End(err)
		if p.metrics != nil {
			p.metrics.ObserveApplyDuration(p.now().Sub(start).Seconds())
		}
	}()

	rec, err := p.buildRecord(env, event)
	if err != nil {
		return err
	}

	var duplicate bool
	err = p.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		inserted, err := tx.AppendEvent(ctx, rec)
		if err != nil {
			return err
		}
		if !inserted {
			duplicate = true
			return nil
		}
		return p.applyAggregates(ctx, tx, env, event, false)
	})
	if err != nil {
		p.countResult(event, "error")
		return err
	}

	if duplicate {
		span.SetAttributes(tracer.Bool(tracer.AttrDuplicate, true))
		if p.metrics != nil {
			p.metrics.IncDuplicate()
		}
		return nil
	}

	p.countResult(event, "ok")
	return nil
}

// buildRecord maps an event to its immutable row, including the credential
// back-reference for token-scoped events.
func (p *Projector) buildRecord(env chain.Envelope, event chain.Event) (models.EventRecord, error) {
	payload, err := chain.Encode(env, event)
	if err != nil {
		return models.EventRecord{}, err
	}

	rec := models.EventRecord{
		ID:             env.EventID(),
		Name:           event.EventName(),
		ChainID:        env.ChainID,
		BlockNumber:    env.BlockNumber,
		BlockTimestamp: env.BlockTime(),
		LogIndex:       env.LogIndex,
		TxHash:         env.TxHash,
		GasUsed:        env.GasUsed,
		Payload:        payload,
	}

	if tokenID, ok := eventTokenID(event); ok {
		rec.CredentialID = chain.CredentialKey(tokenID)
	}
	return rec, nil
}

// eventTokenID extracts the token ID for events scoped to one credential.
func eventTokenID(event chain.Event) (string, bool) {
	switch ev := event.(type) {
	case *chain.CredentialMinted:
		return ev.TokenID, true
	case *chain.CredentialRevoked:
		return ev.TokenID, true
	case *chain.CredentialRegistered:
		return ev.TokenID, true
	case *chain.Transfer:
		return ev.TokenID, true
	case *chain.Approval:
		return ev.TokenID, true
	case *chain.MetadataUpdate:
		return ev.TokenID, true
	default:
		return "", false
	}
}

// applyAggregates dispatches to the per-event aggregate logic. Pass-through
// events (transfers, approvals, pausing, roles, delegations, upgrades) have
// no aggregate side effects beyond the already-written event row.
func (p *Projector) applyAggregates(ctx context.Context, st store.Store, env chain.Envelope, event chain.Event, viaPending bool) error {
	switch ev := event.(type) {
	case *chain.CredentialMinted:
		return p.applyMint(ctx, st, env, ev)
	case *chain.CredentialRevoked:
		return p.applyRevoke(ctx, st, env, ev, viaPending)
	case *chain.CredentialRegistered:
		return p.applyRegistration(ctx, st, env, ev, viaPending)
	case *chain.IssuerRegistered:
		return p.applyIssuerRegistered(ctx, st, env, ev)
	case *chain.IssuerVerificationChanged:
		return p.applyVerificationChanged(ctx, st, env, ev)
	default:
		return nil
	}
}

// applyMint creates the credential aggregate and bumps both counter
// aggregates, then drains any buffered updates for the token.
func (p *Projector) applyMint(ctx context.Context, st store.Store, env chain.Envelope, ev *chain.CredentialMinted) error {
	issuerAddr := chain.NormalizeAddress(ev.Issuer)
	typeKey := chain.TypeKey(ev.CredentialType)

	credential := models.Credential{
		ID:             chain.CredentialKey(ev.TokenID),
		TokenID:        ev.TokenID,
		Recipient:      chain.NormalizeAddress(ev.Recipient),
		Issuer:         issuerAddr,
		CredentialType: ev.CredentialType,
		MetadataURI:    ev.MetadataURI,
		Status:         models.StatusActive,
		IssuedAt:       env.BlockTime(),
		MintEventID:    env.EventID(),
		Version:        1,
	}

	if err := st.PutCredential(ctx, credential); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// A second mint for an existing token: issuer and tokenId are
			// immutable once minted, so the aggregate stays as-is.
			p.logWarn("duplicate mint for existing credential",
				"token_id", ev.TokenID,
				"event_id", env.EventID(),
			)
			return nil
		}
		return err
	}

	err := p.withRetry(ctx, func(ctx context.Context) error {
		issuer, err := st.GetIssuer(ctx, chain.IssuerKey(issuerAddr))
		if errors.Is(err, store.ErrNotFound) {
			return st.PutIssuer(ctx, models.Issuer{
				ID:                     chain.IssuerKey(issuerAddr),
				Address:                issuerAddr,
				TotalCredentialsIssued: 1,
				TotalActiveCredentials: 1,
				AuthorizedTypes:        []string{typeKey},
				Version:                1,
			})
		}
		if err != nil {
			return err
		}

		issuer.TotalCredentialsIssued++
		issuer.TotalActiveCredentials++
		if !issuer.HasType(typeKey) {
			issuer.AuthorizedTypes = append(issuer.AuthorizedTypes, typeKey)
		}
		issuer.Version++
		return st.PutIssuer(ctx, issuer)
	})
	if err != nil {
		return err
	}

	err = p.withRetry(ctx, func(ctx context.Context) error {
		credType, err := st.GetCredentialType(ctx, typeKey)
		if errors.Is(err, store.ErrNotFound) {
			return st.PutCredentialType(ctx, models.CredentialType{
				ID:                typeKey,
				Name:              ev.CredentialType,
				TotalIssued:       1,
				TotalActive:       1,
				AuthorizedIssuers: []string{issuerAddr},
				Version:           1,
			})
		}
		if err != nil {
			return err
		}

		credType.TotalIssued++
		credType.TotalActive++
		if !credType.HasIssuer(issuerAddr) {
			credType.AuthorizedIssuers = append(credType.AuthorizedIssuers, issuerAddr)
		}
		credType.Version++
		return st.PutCredentialType(ctx, credType)
	})
	if err != nil {
		return err
	}

	return p.drainPending(ctx, st, ev.TokenID)
}

// applyRevoke transitions the credential to REVOKED and decrements both
// active counters, floored at zero. A revoke whose mint has not been seen is
// buffered instead of dropped.
func (p *Projector) applyRevoke(ctx context.Context, st store.Store, env chain.Envelope, ev *chain.CredentialRevoked, viaPending bool) error {
	credential, err := st.GetCredential(ctx, chain.CredentialKey(ev.TokenID))
	if errors.Is(err, store.ErrNotFound) {
		if viaPending {
			return nil
		}
		return p.bufferPending(ctx, st, env, ev, ev.TokenID)
	}
	if err != nil {
		return err
	}

	if credential.Status == models.StatusRevoked {
		// One-way transition already happened; tolerate double delivery.
		return nil
	}

	err = p.withRetry(ctx, func(ctx context.Context) error {
		current, err := st.GetCredential(ctx, chain.CredentialKey(ev.TokenID))
		if err != nil {
			return err
		}
		if current.Status == models.StatusRevoked {
			return nil
		}

		revokedAt := env.BlockTime()
		current.Status = models.StatusRevoked
		current.RevokedAt = &revokedAt
		current.RevokedBy = chain.NormalizeAddress(ev.Revoker)
		current.RevocationReason = ev.Reason
		current.RevokeEventID = env.EventID()
		current.Version++
		return st.PutCredential(ctx, current)
	})
	if err != nil {
		return err
	}

	if err := p.decrementIssuerActive(ctx, st, credential.Issuer); err != nil {
		return err
	}
	return p.decrementTypeActive(ctx, st, chain.TypeKey(credential.CredentialType))
}

// applyRegistration attaches the content hash from the registry contract to
// an already-minted credential, buffering when the mint has not been seen.
func (p *Projector) applyRegistration(ctx context.Context, st store.Store, env chain.Envelope, ev *chain.CredentialRegistered, viaPending bool) error {
	_, err := st.GetCredential(ctx, chain.CredentialKey(ev.TokenID))
	if errors.Is(err, store.ErrNotFound) {
		if viaPending {
			return nil
		}
		return p.bufferPending(ctx, st, env, ev, ev.TokenID)
	}
	if err != nil {
		return err
	}

	return p.withRetry(ctx, func(ctx context.Context) error {
		current, err := st.GetCredential(ctx, chain.CredentialKey(ev.TokenID))
		if err != nil {
			return err
		}
		current.CredentialHash = ev.CredentialHash
		current.RegistryEventID = env.EventID()
		current.Version++
		return st.PutCredential(ctx, current)
	})
}

// applyIssuerRegistered upserts the issuer's registration fields. Counters
// are untouched; a new issuer starts zeroed.
func (p *Projector) applyIssuerRegistered(ctx context.Context, st store.Store, env chain.Envelope, ev *chain.IssuerRegistered) error {
	addr := chain.NormalizeAddress(ev.Issuer)

	return p.withRetry(ctx, func(ctx context.Context) error {
		issuer, err := st.GetIssuer(ctx, chain.IssuerKey(addr))
		if errors.Is(err, store.ErrNotFound) {
			return st.PutIssuer(ctx, models.Issuer{
				ID:           chain.IssuerKey(addr),
				Address:      addr,
				Name:         ev.Name,
				RegisteredAt: env.BlockTime(),
				Version:      1,
			})
		}
		if err != nil {
			return err
		}

		issuer.Name = ev.Name
		if issuer.RegisteredAt.IsZero() {
			issuer.RegisteredAt = env.BlockTime()
		}
		issuer.Version++
		return st.PutIssuer(ctx, issuer)
	})
}

// applyVerificationChanged upserts the issuer's verified flag.
func (p *Projector) applyVerificationChanged(ctx context.Context, st store.Store, env chain.Envelope, ev *chain.IssuerVerificationChanged) error {
	addr := chain.NormalizeAddress(ev.Issuer)

	return p.withRetry(ctx, func(ctx context.Context) error {
		issuer, err := st.GetIssuer(ctx, chain.IssuerKey(addr))
		if errors.Is(err, store.ErrNotFound) {
			return st.PutIssuer(ctx, models.Issuer{
				ID:         chain.IssuerKey(addr),
				Address:    addr,
				IsVerified: ev.IsVerified,
				Version:    1,
			})
		}
		if err != nil {
			return err
		}

		issuer.IsVerified = ev.IsVerified
		issuer.Version++
		return st.PutIssuer(ctx, issuer)
	})
}

// decrementIssuerActive lowers the issuer's active counter, floored at zero.
func (p *Projector) decrementIssuerActive(ctx context.Context, st store.Store, issuerAddr string) error {
	return p.withRetry(ctx, func(ctx context.Context) error {
		issuer, err := st.GetIssuer(ctx, chain.IssuerKey(issuerAddr))
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if issuer.TotalActiveCredentials == 0 {
			if p.metrics != nil {
				p.metrics.IncFloorHit()
			}
			return nil
		}
		issuer.TotalActiveCredentials--
		issuer.Version++
		return st.PutIssuer(ctx, issuer)
	})
}

// decrementTypeActive lowers the type's active counter, floored at zero.
func (p *Projector) decrementTypeActive(ctx context.Context, st store.Store, typeKey string) error {
	return p.withRetry(ctx, func(ctx context.Context) error {
		credType, err := st.GetCredentialType(ctx, typeKey)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if credType.TotalActive == 0 {
			if p.metrics != nil {
				p.metrics.IncFloorHit()
			}
			return nil
		}
		credType.TotalActive--
		credType.Version++
		return st.PutCredentialType(ctx, credType)
	})
}

// bufferPending stores a dependent event until its mint arrives.
func (p *Projector) bufferPending(ctx context.Context, st store.Store, env chain.Envelope, event chain.Event, tokenID string) (err error) {
	ctx, span := p.tracer.Start(ctx, tracer.SpanBufferPending,
		tracer.String(tracer.AttrTokenID, tokenID),
	)
	defer func() { span.End(err) }()

	message, err := chain.Encode(env, event)
	if err != nil {
		return err
	}

	pending := models.PendingUpdate{
		ID:        uuid.New(),
		TokenID:   tokenID,
		EventID:   env.EventID(),
		EventName: event.EventName(),
		Message:   message,
		CreatedAt: p.now(),
	}
	if err := st.AppendPending(ctx, pending); err != nil {
		return err
	}

	span.AddEvent(tracer.EventPendingBuffered,
		tracer.String(tracer.AttrEventID, env.EventID()),
	)
	if p.metrics != nil {
		p.metrics.IncPendingBuffered()
	}
	p.logInfo("buffered dependent event until mint arrives",
		"token_id", tokenID,
		"event", event.EventName(),
		"event_id", env.EventID(),
	)
	return nil
}

// drainPending re-applies buffered updates for a freshly minted token.
func (p *Projector) drainPending(ctx context.Context, st store.Store, tokenID string) error {
	ctx, span := p.tracer.Start(ctx, tracer.SpanDrainPending,
		tracer.String(tracer.AttrTokenID, tokenID),
	)
	var err error
	defer func() { span.End(err) }()

	var taken []models.PendingUpdate
	taken, err = st.TakePending(ctx, tokenID)
	if err != nil {
		return err
	}
	span.SetAttributes(tracer.Int64(tracer.AttrPendingCount, int64(len(taken))))

	for _, pend := range taken {
		env, event, decodeErr := chain.Decode(pend.Message)
		if decodeErr != nil {
			// The message was produced by Encode; a decode failure here
			// means corruption, not a bad producer.
			p.logWarn("dropping corrupt pending update",
				"token_id", tokenID,
				"event_id", pend.EventID,
				"error", decodeErr,
			)
			continue
		}

		if err = p.applyAggregates(ctx, st, env, event, true); err != nil {
			return err
		}
		if p.metrics != nil {
			p.metrics.IncPendingDrained()
		}
		span.AddEvent(tracer.EventPendingDrained,
			tracer.String(tracer.AttrEventID, pend.EventID),
		)
	}
	return nil
}

// SweepExpired removes pending entries older than the TTL and surfaces them
// as counted anomalies.
func (p *Projector) SweepExpired(ctx context.Context, ttl time.Duration) (err error) {
	ctx, span := p.tracer.Start(ctx, tracer.SpanSweepPending,
		tracer.Duration(tracer.AttrPendingTTL, ttl),
	)
	defer func() { span.End(err) }()

	var expired []models.PendingUpdate
	expired, err = p.store.ExpirePending(ctx, p.now().Add(-ttl))
	if err != nil {
		return err
	}

	for _, pend := range expired {
		p.logWarn("pending update expired without its mint",
			"token_id", pend.TokenID,
			"event", pend.EventName,
			"event_id", pend.EventID,
			"buffered_at", pend.CreatedAt,
		)
	}
	if p.metrics != nil && len(expired) > 0 {
		p.metrics.AddPendingExpired(len(expired))
	}

	count, err := p.store.CountPending(ctx)
	if err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.SetPendingDepth(count)
	}
	return nil
}

// withRetry runs one aggregate read-modify-write cycle, retrying on
// version conflicts up to the configured bound.
func (p *Projector) withRetry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		err = fn(ctx)
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		if p.metrics != nil {
			p.metrics.IncVersionConflict()
		}
	}

	if p.metrics != nil {
		p.metrics.IncRetriesExhausted()
	}
	return pkgerrors.Wrap(err, pkgerrors.CodeConflict, "aggregate update retries exhausted")
}

func (p *Projector) countResult(event chain.Event, result string) {
	if p.metrics != nil {
		p.metrics.IncProcessed(event.EventName(), result)
	}
}

func (p *Projector) logInfo(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Info(msg, args...)
	}
}

func (p *Projector) logWarn(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, args...)
	}
}
