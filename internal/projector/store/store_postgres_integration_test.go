//go:build integration

package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"credindex/internal/projector/models"
	"credindex/internal/projector/store"
	"credindex/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgresStore(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	s.Require().NoError(s.postgres.TruncateAll(ctx))
}

func (s *PostgresStoreSuite) TestAppendEventIdempotent() {
	ctx := context.Background()
	rec := models.EventRecord{
		ID:             "84532_100_0",
		Name:           "CredentialMinted",
		ChainID:        84532,
		BlockNumber:    100,
		BlockTimestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		LogIndex:       0,
		TxHash:         "0xabc",
		Payload:        []byte(`{"name":"CredentialMinted"}`),
		CredentialID:   "credential_1",
	}

	inserted, err := s.store.AppendEvent(ctx, rec)
	s.Require().NoError(err)
	s.True(inserted)

	inserted, err = s.store.AppendEvent(ctx, rec)
	s.Require().NoError(err)
	s.False(inserted)

	events, err := s.store.ListEventsByCredential(ctx, "credential_1")
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(rec.ID, events[0].ID)
}

func (s *PostgresStoreSuite) TestCredentialRoundTrip() {
	ctx := context.Background()
	revokedAt := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)
	credential := models.Credential{
		ID:             "credential_1",
		TokenID:        "1",
		Recipient:      "0xbbbb",
		Issuer:         "0xaa",
		CredentialType: "degree",
		MetadataURI:    "ipfs://meta/1",
		Status:         models.StatusActive,
		IssuedAt:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		MintEventID:    "84532_100_0",
		Version:        1,
	}
	s.Require().NoError(s.store.PutCredential(ctx, credential))

	credential.Status = models.StatusRevoked
	credential.RevokedAt = &revokedAt
	credential.RevokedBy = "0xcc"
	credential.RevocationReason = "fraud"
	credential.Version = 2
	s.Require().NoError(s.store.PutCredential(ctx, credential))

	got, err := s.store.GetCredential(ctx, "credential_1")
	s.Require().NoError(err)
	s.Equal(models.StatusRevoked, got.Status)
	s.Equal("fraud", got.RevocationReason)
	s.Require().NotNil(got.RevokedAt)
	s.True(got.RevokedAt.Equal(revokedAt))
	s.Equal(int64(2), got.Version)
}

func (s *PostgresStoreSuite) TestVersionGuardRejectsStaleWrites() {
	ctx := context.Background()
	issuer := models.Issuer{
		ID:                     "issuer_0xaa",
		Address:                "0xaa",
		RegisteredAt:           time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		TotalCredentialsIssued: 1,
		TotalActiveCredentials: 1,
		AuthorizedTypes:        []string{"type_degree"},
		Version:                1,
	}
	s.Require().NoError(s.store.PutIssuer(ctx, issuer))

	// Duplicate create.
	err := s.store.PutIssuer(ctx, issuer)
	s.ErrorIs(err, store.ErrVersionConflict)

	// Skipped version.
	issuer.Version = 3
	err = s.store.PutIssuer(ctx, issuer)
	s.ErrorIs(err, store.ErrVersionConflict)

	issuer.Version = 2
	issuer.TotalActiveCredentials = 0
	s.Require().NoError(s.store.PutIssuer(ctx, issuer))

	got, err := s.store.GetIssuer(ctx, "issuer_0xaa")
	s.Require().NoError(err)
	s.Equal(int64(0), got.TotalActiveCredentials)
	s.Equal([]string{"type_degree"}, got.AuthorizedTypes)
}

// TestConcurrentIncrementsLoseAtMostToConflicts drives concurrent
// read-modify-write cycles and verifies the version guard serializes them:
// every successful write lands exactly once.
func (s *PostgresStoreSuite) TestConcurrentIncrementsLoseAtMostToConflicts() {
	ctx := context.Background()
	s.Require().NoError(s.store.PutCredentialType(ctx, models.CredentialType{
		ID:      "type_degree",
		Name:    "degree",
		Version: 1,
	}))

	const goroutines = 20
	var wg sync.WaitGroup
	var succeeded atomic.Int64

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				current, err := s.store.GetCredentialType(ctx, "type_degree")
				if err != nil {
					return
				}
				current.TotalIssued++
				current.Version++
				err = s.store.PutCredentialType(ctx, current)
				if err == nil {
					succeeded.Add(1)
					return
				}
				if !errors.Is(err, store.ErrVersionConflict) {
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := s.store.GetCredentialType(ctx, "type_degree")
	s.Require().NoError(err)
	s.Equal(succeeded.Load(), got.TotalIssued)
	s.Equal(int64(goroutines), got.TotalIssued)
}

func (s *PostgresStoreSuite) TestWithinTxRollsBackEventRowWithAggregates() {
	ctx := context.Background()
	rec := models.EventRecord{
		ID:             "84532_100_0",
		Name:           "CredentialMinted",
		ChainID:        84532,
		BlockNumber:    100,
		BlockTimestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		TxHash:         "0xabc",
	}

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Store) error {
		inserted, err := tx.AppendEvent(ctx, rec)
		if err != nil {
			return err
		}
		if !inserted {
			return errors.New("expected insert")
		}
		if err := tx.PutCredential(ctx, models.Credential{
			ID:       "credential_1",
			TokenID:  "1",
			Status:   models.StatusActive,
			IssuedAt: rec.BlockTimestamp,
			Version:  1,
		}); err != nil {
			return err
		}
		return errors.New("apply failed")
	})
	s.Require().Error(err)

	// The rollback must take the event row with it so a redelivery is not
	// mistaken for a replay.
	inserted, err := s.store.AppendEvent(ctx, rec)
	s.Require().NoError(err)
	s.True(inserted)

	_, err = s.store.GetCredential(ctx, "credential_1")
	s.ErrorIs(err, store.ErrNotFound)
}

func (s *PostgresStoreSuite) TestPendingLifecycle() {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		tokenID := "7"
		if i == 2 {
			tokenID = "8"
		}
		s.Require().NoError(s.store.AppendPending(ctx, models.PendingUpdate{
			ID:        uuid.New(),
			TokenID:   tokenID,
			EventID:   uuid.NewString(),
			EventName: "CredentialRevoked",
			Message:   []byte(`{"name":"CredentialRevoked"}`),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	taken, err := s.store.TakePending(ctx, "7")
	s.Require().NoError(err)
	s.Require().Len(taken, 2)
	s.True(taken[0].CreatedAt.Before(taken[1].CreatedAt))

	count, err := s.store.CountPending(ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), count)

	expired, err := s.store.ExpirePending(ctx, base.Add(time.Hour))
	s.Require().NoError(err)
	s.Len(expired, 1)

	count, err = s.store.CountPending(ctx)
	s.Require().NoError(err)
	s.Equal(int64(0), count)
}
