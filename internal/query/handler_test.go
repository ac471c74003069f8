package query

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"credindex/internal/chain"
	"credindex/internal/projector"
	"credindex/internal/projector/store"
)

// QuerySuite tests the read API against a projection built by the real
// projector.
//
// Justification: these endpoints are the only consumer-facing surface.
// Driving them through applied events rather than hand-seeded rows keeps
// the response shapes honest about what the projector actually writes.
type QuerySuite struct {
	suite.Suite

	ctx    context.Context
	store  *store.InMemoryStore
	router chi.Router
}

func TestQuerySuite(t *testing.T) {
	suite.Run(t, new(QuerySuite))
}

func (s *QuerySuite) SetupTest() {
	s.ctx = context.Background()
	s.store = store.NewInMemoryStore()

	service := NewService(s.store)
	handler := NewHandler(service, slog.Default())

	s.router = chi.NewRouter()
	handler.Register(s.router)

	p := projector.New(s.store)
	env := chain.Envelope{ChainID: 84532, BlockNumber: 100, BlockTimestamp: 1748779200, LogIndex: 0, TxHash: "0xabc"}
	s.Require().NoError(p.Apply(s.ctx, env, &chain.CredentialMinted{
		TokenID:        "1",
		Recipient:      "0xBBBB",
		Issuer:         "0xAA",
		CredentialType: "degree",
		MetadataURI:    "ipfs://meta/1",
	}))

	env2 := chain.Envelope{ChainID: 84532, BlockNumber: 150, BlockTimestamp: 1748779250, LogIndex: 1, TxHash: "0xdef"}
	s.Require().NoError(p.Apply(s.ctx, env2, &chain.CredentialRegistered{
		TokenID:        "1",
		CredentialHash: "0xdead",
		Registrant:     "0xAA",
	}))
}

func (s *QuerySuite) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *QuerySuite) TestGetCredential() {
	rec := s.get("/v1/credentials/1")
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp CredentialResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal("credential_1", resp.ID)
	s.Equal("0xaa", resp.Issuer)
	s.Equal("ACTIVE", resp.Status)
	s.Equal("0xdead", resp.CredentialHash)
	s.Nil(resp.RevokedAt)
}

func (s *QuerySuite) TestGetCredentialNotFound() {
	rec := s.get("/v1/credentials/999")
	s.Require().Equal(http.StatusNotFound, rec.Code)

	var resp map[string]string
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal("not_found", resp["error"])
}

func (s *QuerySuite) TestListCredentialEvents() {
	rec := s.get("/v1/credentials/1/events")
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp EventListResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Require().Len(resp.Events, 2)
	s.Equal("CredentialMinted", resp.Events[0].Name)
	s.Equal("CredentialRegistered", resp.Events[1].Name)
	s.Equal("84532_100_0", resp.Events[0].ID)
}

func (s *QuerySuite) TestListEventsForUnknownTokenIsEmpty() {
	rec := s.get("/v1/credentials/999/events")
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp EventListResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Empty(resp.Events)
}

func (s *QuerySuite) TestGetIssuerNormalizesAddress() {
	rec := s.get("/v1/issuers/0xAA")
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp IssuerResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal("0xaa", resp.Address)
	s.Equal(int64(1), resp.TotalCredentialsIssued)
	s.Equal(int64(1), resp.TotalActiveCredentials)
	s.Contains(resp.AuthorizedTypes, "type_degree")
}

func (s *QuerySuite) TestGetCredentialTypeByNameOrKey() {
	for _, path := range []string{"/v1/credential-types/degree", "/v1/credential-types/type_degree"} {
		rec := s.get(path)
		s.Require().Equal(http.StatusOK, rec.Code, "path %s", path)

		var resp CredentialTypeResponse
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
		s.Equal("type_degree", resp.ID)
		s.Equal("degree", resp.Name)
		s.Equal(int64(1), resp.TotalIssued)
	}
}

// CacheSuite tests the read-through cache behavior.
//
// Justification: cache failures must degrade to store reads, and misses
// must not be cached, or a pre-mint lookup would mask the mint for a TTL.
type CacheSuite struct {
	suite.Suite

	ctx   context.Context
	store *store.InMemoryStore
	cache *fakeCache
}

func TestCacheSuite(t *testing.T) {
	suite.Run(t, new(CacheSuite))
}

func (s *CacheSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = store.NewInMemoryStore()
	s.cache = &fakeCache{entries: map[string][]byte{}}

	p := projector.New(s.store)
	env := chain.Envelope{ChainID: 84532, BlockNumber: 100, BlockTimestamp: 1748779200, LogIndex: 0}
	s.Require().NoError(p.Apply(s.ctx, env, &chain.CredentialMinted{
		TokenID: "1", Recipient: "0xBBBB", Issuer: "0xAA", CredentialType: "degree",
	}))
}

func (s *CacheSuite) TestHitSkipsStore() {
	service := NewService(s.store, WithCache(s.cache, time.Minute))

	first, err := service.GetCredential(s.ctx, "1")
	s.Require().NoError(err)
	s.Equal(1, s.cache.sets)

	second, err := service.GetCredential(s.ctx, "1")
	s.Require().NoError(err)
	s.Equal(first, second)
	s.Equal(1, s.cache.sets, "a hit must not rewrite the entry")
}

func (s *CacheSuite) TestMissIsNotCached() {
	service := NewService(s.store, WithCache(s.cache, time.Minute))

	_, err := service.GetCredential(s.ctx, "999")
	s.ErrorIs(err, store.ErrNotFound)
	s.Zero(s.cache.sets)
}

type fakeCache struct {
	entries map[string][]byte
	sets    int
}

func (f *fakeCache) Get(_ context.Context, key string) ([]byte, error) {
	return f.entries[key], nil
}

func (f *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.entries[key] = value
	f.sets++
	return nil
}
