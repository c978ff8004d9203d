package repository

import (
	"context"
	"os"
	"testing"

	"contact-aggregator/internal/config"
	"contact-aggregator/internal/db"
	"contact-aggregator/internal/identity"
	"contact-aggregator/internal/matching"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDatabase connects to TEST_DATABASE_URL, applies migrations and
// empties the aggregation tables. The nickname seed is left in place.
func setupTestDatabase(t *testing.T) *db.Database {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	cfg := config.TestConfig().Database
	cfg.URL = databaseURL
	require.NoError(t, db.RunMigrations(cfg.URL, cfg.MigrationsPath))

	ctx := context.Background()
	database, err := db.NewDatabase(ctx, cfg)
	if err != nil {
		t.Skipf("Could not connect to database: %v", err)
	}
	t.Cleanup(database.Close)

	_, err = database.Pool.Exec(ctx, `
		TRUNCATE aggregation_exceptions, name_lookup, data_lookup, raw_contacts, contacts
		RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return database
}

type testStore struct {
	raw     *RawContactRepository
	lookups *LookupRepository
}

func newTestStore(t *testing.T) *testStore {
	database := setupTestDatabase(t)
	return &testStore{
		raw:     NewRawContactRepository(database),
		lookups: NewLookupRepository(database),
	}
}

func lookupName(value string, t matching.LookupType) identity.NameLookup {
	return identity.NameLookup{Name: identity.EncodeName(value), Type: t}
}

// createRawContact stores a raw contact, flagged for aggregation.
func (s *testStore) createRawContact(t *testing.T, accountID int64, names []identity.NameLookup, data ...DataValue) *RawContact {
	t.Helper()
	rc, err := s.raw.CreateRawContact(context.Background(), CreateRawContactParams{
		AccountID:   accountID,
		DisplayName: "test",
		Names:       names,
		Data:        data,
	})
	require.NoError(t, err)
	require.True(t, rc.AggregationNeeded)
	return rc
}

// aggregated stores a raw contact and places it in a new contact.
func (s *testStore) aggregated(t *testing.T, accountID int64, names []identity.NameLookup, data ...DataValue) (rawContactID, contactID int64) {
	t.Helper()
	rc := s.createRawContact(t, accountID, names, data...)
	contactID, err := s.raw.JoinNewContact(context.Background(), rc.ID, nil)
	require.NoError(t, err)
	return rc.ID, contactID
}

func (s *testStore) countContacts(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, s.raw.q.QueryRow(context.Background(), `SELECT COUNT(*) FROM contacts`).Scan(&n))
	return n
}

func TestLookupRepository_NameMatches_Integration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, contactA := s.aggregated(t, 1, []identity.NameLookup{lookupName("john", matching.LookupTypeNameCollationKey)})
	examined := s.createRawContact(t, 2, []identity.NameLookup{lookupName("john", matching.LookupTypeEmailBasedNickname)})

	t.Run("examined raw contact fields come first", func(t *testing.T) {
		matches, err := s.lookups.NameMatches(ctx, examined.ID, 15)
		require.NoError(t, err)
		assert.Equal(t, []NameMatch{{
			ContactID:   contactA,
			Name:        identity.EncodeName("john"),
			Type:        matching.LookupTypeEmailBasedNickname,
			MatchedName: identity.EncodeName("john"),
			MatchedType: matching.LookupTypeNameCollationKey,
		}}, matches)
	})

	t.Run("members waiting for aggregation are skipped", func(t *testing.T) {
		require.NoError(t, s.raw.MarkContactForSplit(ctx, contactA))

		matches, err := s.lookups.NameMatches(ctx, examined.ID, 15)
		require.NoError(t, err)
		assert.Empty(t, matches)

		prefixed, err := s.lookups.NamePrefixCandidates(ctx, identity.EncodeName("j"), matching.ApproximateMatchTypes, 100)
		require.NoError(t, err)
		assert.Empty(t, prefixed)
	})
}

func TestLookupRepository_NamePrefixCandidates_Integration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, john := s.aggregated(t, 1, []identity.NameLookup{
		lookupName("john", matching.LookupTypeNameCollationKey),
		lookupName("johnsmith", matching.LookupTypeNameExact),
	})
	_, jane := s.aggregated(t, 2, []identity.NameLookup{lookupName("jane", matching.LookupTypeNickname)})
	s.aggregated(t, 3, []identity.NameLookup{lookupName("mary", matching.LookupTypeNameCollationKey)})

	prefix := identity.EncodeName("j")
	require.Len(t, prefix, 2)

	candidates, err := s.lookups.NamePrefixCandidates(ctx, prefix, matching.ApproximateMatchTypes, 100)
	require.NoError(t, err)
	assert.Equal(t, []NameCandidate{
		{ContactID: john, Name: identity.EncodeName("john"), Type: matching.LookupTypeNameCollationKey},
		{ContactID: jane, Name: identity.EncodeName("jane"), Type: matching.LookupTypeNickname},
	}, candidates)

	limited, err := s.lookups.NamePrefixCandidates(ctx, prefix, matching.ApproximateMatchTypes, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	byValue, err := s.lookups.NameCandidatesByValue(ctx, []string{identity.EncodeName("johnsmith")}, 100)
	require.NoError(t, err)
	assert.Equal(t, []NameCandidate{
		{ContactID: john, Name: identity.EncodeName("johnsmith"), Type: matching.LookupTypeNameExact},
	}, byValue)
}

func TestLookupRepository_ExceptionMatches_Integration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, contactA := s.aggregated(t, 1, nil)
	second, contactB := s.aggregated(t, 2, nil)

	require.NoError(t, s.lookups.AddException(ctx, ExceptionKeepSeparate, second, first))

	// both sides are flagged until re-aggregated
	matches, err := s.lookups.ExceptionMatches(ctx, second)
	require.NoError(t, err)
	assert.Empty(t, matches)

	require.NoError(t, s.raw.MarkAggregated(ctx, first))
	matches, err = s.lookups.ExceptionMatches(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, []ExceptionMatch{{ContactID: contactA, Type: ExceptionKeepSeparate}}, matches)

	t.Run("a second exception replaces the first", func(t *testing.T) {
		require.NoError(t, s.lookups.AddException(ctx, ExceptionKeepTogether, first, second))
		require.NoError(t, s.raw.MarkAggregated(ctx, first))
		require.NoError(t, s.raw.MarkAggregated(ctx, second))

		matches, err := s.lookups.ExceptionMatches(ctx, second)
		require.NoError(t, err)
		assert.Equal(t, []ExceptionMatch{{ContactID: contactA, Type: ExceptionKeepTogether}}, matches)

		matches, err = s.lookups.ExceptionMatches(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, []ExceptionMatch{{ContactID: contactB, Type: ExceptionKeepTogether}}, matches)
	})
}

func TestLookupRepository_DataQueries_Integration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	email := DataValue{Kind: identity.DataKindEmail, Value: "ann@example.com"}
	phone := DataValue{Kind: identity.DataKindPhone, Value: "+15551234567"}

	member, contactA := s.aggregated(t, 1, nil, email)
	_, contactB := s.aggregated(t, 2, nil, email, phone)
	examined := s.createRawContact(t, 1, nil, email, phone)

	t.Run("data matches", func(t *testing.T) {
		ids, err := s.lookups.DataMatches(ctx, examined.ID, identity.DataKindEmail, 15)
		require.NoError(t, err)
		assert.Equal(t, []int64{contactA, contactB}, ids)

		ids, err = s.lookups.DataMatches(ctx, examined.ID, identity.DataKindEmail, 1)
		require.NoError(t, err)
		assert.Equal(t, []int64{contactA}, ids)

		ids, err = s.lookups.DataMatches(ctx, examined.ID, identity.DataKindPhone, 15)
		require.NoError(t, err)
		assert.Equal(t, []int64{contactB}, ids)
	})

	t.Run("join guard queries", func(t *testing.T) {
		sameAccount, err := s.lookups.HasSameAccountMember(ctx, contactA, examined.ID, 1)
		require.NoError(t, err)
		assert.True(t, sameAccount)

		sameAccount, err = s.lookups.HasSameAccountMember(ctx, contactA, member, 1)
		require.NoError(t, err)
		assert.False(t, sameAccount)

		shared, err := s.lookups.SharesData(ctx, examined.ID, contactA)
		require.NoError(t, err)
		assert.True(t, shared)

		other := s.createRawContact(t, 1, nil, DataValue{Kind: identity.DataKindEmail, Value: "zed@example.com"})
		shared, err = s.lookups.SharesData(ctx, other.ID, contactA)
		require.NoError(t, err)
		assert.False(t, shared)
	})
}

func TestRawContactRepository_Join_Integration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("failed join leaves no empty contact", func(t *testing.T) {
		before := s.countContacts(t)

		_, err := s.raw.JoinNewContact(ctx, 999999, nil)
		assert.ErrorIs(t, err, db.ErrNotFound)
		assert.Equal(t, before, s.countContacts(t))
	})

	t.Run("emptied previous contact is deleted", func(t *testing.T) {
		moved, previous := s.aggregated(t, 1, nil)
		_, target := s.aggregated(t, 2, nil)
		before := s.countContacts(t)

		require.NoError(t, s.raw.JoinContact(ctx, moved, target, &previous))
		assert.Equal(t, before-1, s.countContacts(t))

		ids, err := s.raw.RawContactIDsForContact(ctx, target)
		require.NoError(t, err)
		assert.Len(t, ids, 2)

		rc, err := s.raw.GetRawContact(ctx, moved)
		require.NoError(t, err)
		assert.False(t, rc.AggregationNeeded)
	})

	t.Run("pending aggregation lists flagged raw contacts", func(t *testing.T) {
		flagged := s.createRawContact(t, 5, nil)

		ids, err := s.raw.PendingAggregation(ctx, 100)
		require.NoError(t, err)
		assert.Contains(t, ids, flagged.ID)

		_, err = s.raw.GetRawContact(ctx, 999999)
		assert.ErrorIs(t, err, db.ErrNotFound)
	})
}
