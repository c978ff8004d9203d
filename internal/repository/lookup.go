package repository

import (
	"context"
	"fmt"

	"contact-aggregator/internal/db"
	"contact-aggregator/internal/identity"
	"contact-aggregator/internal/matching"

	"github.com/jackc/pgx/v5"
)

// ExceptionType is the kind of a manual aggregation exception.
type ExceptionType int16

const (
	ExceptionKeepTogether ExceptionType = 1
	ExceptionKeepSeparate ExceptionType = 2
)

// ExceptionMatch is an exception between a raw contact and the contact that
// holds the other raw contact of the pair.
type ExceptionMatch struct {
	ContactID int64
	Type      ExceptionType
}

// NameMatch pairs a name of the examined raw contact with an identical
// stored name of another contact.
type NameMatch struct {
	ContactID   int64
	Name        string
	Type        matching.LookupType
	MatchedName string
	MatchedType matching.LookupType
}

// NameCandidate is a stored name row with the contact that owns it.
type NameCandidate struct {
	ContactID int64
	Name      string
	Type      matching.LookupType
}

// LookupRepository runs the candidate queries used by aggregation.
type LookupRepository struct {
	q DBTX
}

// NewLookupRepository creates a new lookup repository
func NewLookupRepository(database *db.Database) *LookupRepository {
	return &LookupRepository{q: database.Pool}
}

func lookupTypesParam(types []matching.LookupType) []int16 {
	out := make([]int16, len(types))
	for i, t := range types {
		out[i] = int16(t)
	}
	return out
}

// ExceptionMatches returns the exceptions that involve rawContactID, resolved
// to the contact of the other raw contact. Other raw contacts still waiting
// for aggregation are skipped, as in every candidate query below.
func (r *LookupRepository) ExceptionMatches(ctx context.Context, rawContactID int64) ([]ExceptionMatch, error) {
	rows, err := r.q.Query(ctx, `
		SELECT r.contact_id, e.type
		FROM aggregation_exceptions e
		JOIN raw_contacts r ON r.id = CASE
			WHEN e.raw_contact_id1 = $1 THEN e.raw_contact_id2
			ELSE e.raw_contact_id1 END
		WHERE (e.raw_contact_id1 = $1 OR e.raw_contact_id2 = $1)
		AND r.contact_id IS NOT NULL AND NOT r.deleted AND NOT r.aggregation_needed`, rawContactID)
	if err != nil {
		return nil, fmt.Errorf("query exceptions of %d: %w", rawContactID, err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ExceptionMatch, error) {
		var m ExceptionMatch
		var t int16
		err := row.Scan(&m.ContactID, &t)
		m.Type = ExceptionType(t)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan exceptions of %d: %w", rawContactID, err)
	}
	return matches, nil
}

// DataMatches returns, once per matching row, the contacts of other raw
// contacts that share a value of the given kind with rawContactID.
func (r *LookupRepository) DataMatches(ctx context.Context, rawContactID int64, kind identity.DataKind, limit int) ([]int64, error) {
	rows, err := r.q.Query(ctx, `
		SELECT r.contact_id
		FROM data_lookup mine
		JOIN data_lookup other
			ON other.kind = mine.kind AND other.value = mine.value
			AND other.raw_contact_id <> mine.raw_contact_id
		JOIN raw_contacts r ON r.id = other.raw_contact_id
		WHERE mine.raw_contact_id = $1 AND mine.kind = $2
		AND r.contact_id IS NOT NULL AND NOT r.deleted AND NOT r.aggregation_needed
		ORDER BY r.contact_id
		LIMIT $3`, rawContactID, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("query %s matches of %d: %w", kind, rawContactID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan %s matches of %d: %w", kind, rawContactID, err)
	}
	return ids, nil
}

// SharesData reports whether rawContactID shares an email, phone or identity
// with any other member of contactID.
func (r *LookupRepository) SharesData(ctx context.Context, rawContactID, contactID int64) (bool, error) {
	var shared bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM data_lookup mine
			JOIN data_lookup other
				ON other.kind = mine.kind AND other.value = mine.value
			JOIN raw_contacts r ON r.id = other.raw_contact_id
			WHERE mine.raw_contact_id = $1 AND r.contact_id = $2
			AND r.id <> $1 AND NOT r.deleted
		)`, rawContactID, contactID).Scan(&shared)
	if err != nil {
		return false, fmt.Errorf("check shared data of %d and contact %d: %w", rawContactID, contactID, err)
	}
	return shared, nil
}

// HasSameAccountMember reports whether contactID already holds a raw contact,
// other than rawContactID, from accountID.
func (r *LookupRepository) HasSameAccountMember(ctx context.Context, contactID, rawContactID, accountID int64) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM raw_contacts
			WHERE contact_id = $1 AND id <> $2 AND account_id = $3 AND NOT deleted
		)`, contactID, rawContactID, accountID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check account members of contact %d: %w", contactID, err)
	}
	return exists, nil
}

// NameMatches returns the stored names of other raw contacts that are
// identical to one of rawContactID's names.
func (r *LookupRepository) NameMatches(ctx context.Context, rawContactID int64, limit int) ([]NameMatch, error) {
	rows, err := r.q.Query(ctx, `
		SELECT r.contact_id, mine.normalized_name, mine.name_type,
			other.normalized_name, other.name_type
		FROM name_lookup mine
		JOIN name_lookup other
			ON other.normalized_name = mine.normalized_name
			AND other.raw_contact_id <> mine.raw_contact_id
		JOIN raw_contacts r ON r.id = other.raw_contact_id
		WHERE mine.raw_contact_id = $1
		AND r.contact_id IS NOT NULL AND NOT r.deleted AND NOT r.aggregation_needed
		ORDER BY r.contact_id
		LIMIT $2`, rawContactID, limit)
	if err != nil {
		return nil, fmt.Errorf("query name matches of %d: %w", rawContactID, err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (NameMatch, error) {
		var m NameMatch
		var nameType, matchedType int16
		err := row.Scan(&m.ContactID, &m.Name, &nameType, &m.MatchedName, &matchedType)
		m.Type = matching.LookupType(nameType)
		m.MatchedType = matching.LookupType(matchedType)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan name matches of %d: %w", rawContactID, err)
	}
	return matches, nil
}

// NameLookups returns the stored names of a raw contact restricted to types.
func (r *LookupRepository) NameLookups(ctx context.Context, rawContactID int64, types []matching.LookupType) ([]identity.NameLookup, error) {
	rows, err := r.q.Query(ctx, `
		SELECT normalized_name, name_type FROM name_lookup
		WHERE raw_contact_id = $1 AND name_type = ANY($2)
		ORDER BY name_type, normalized_name`, rawContactID, lookupTypesParam(types))
	if err != nil {
		return nil, fmt.Errorf("query names of %d: %w", rawContactID, err)
	}
	names, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (identity.NameLookup, error) {
		var n identity.NameLookup
		var t int16
		err := row.Scan(&n.Name, &t)
		n.Type = matching.LookupType(t)
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan names of %d: %w", rawContactID, err)
	}
	return names, nil
}

func collectNameCandidates(rows pgx.Rows) ([]NameCandidate, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (NameCandidate, error) {
		var c NameCandidate
		var t int16
		err := row.Scan(&c.ContactID, &c.Name, &t)
		c.Type = matching.LookupType(t)
		return c, err
	})
}

// NameCandidates returns the names of the given contacts restricted to types.
func (r *LookupRepository) NameCandidates(ctx context.Context, contactIDs []int64, types []matching.LookupType) ([]NameCandidate, error) {
	if len(contactIDs) == 0 {
		return nil, nil
	}
	rows, err := r.q.Query(ctx, `
		SELECT r.contact_id, n.normalized_name, n.name_type
		FROM name_lookup n
		JOIN raw_contacts r ON r.id = n.raw_contact_id
		WHERE r.contact_id = ANY($1) AND n.name_type = ANY($2) AND NOT r.deleted
		ORDER BY r.contact_id`, contactIDs, lookupTypesParam(types))
	if err != nil {
		return nil, fmt.Errorf("query name candidates: %w", err)
	}
	candidates, err := collectNameCandidates(rows)
	if err != nil {
		return nil, fmt.Errorf("scan name candidates: %w", err)
	}
	return candidates, nil
}

// NamePrefixCandidates returns up to limit stored names that start with the
// encoded prefix.
func (r *LookupRepository) NamePrefixCandidates(ctx context.Context, prefix string, types []matching.LookupType, limit int) ([]NameCandidate, error) {
	rows, err := r.q.Query(ctx, `
		SELECT r.contact_id, n.normalized_name, n.name_type
		FROM name_lookup n
		JOIN raw_contacts r ON r.id = n.raw_contact_id
		WHERE n.normalized_name LIKE $1 || '%' AND n.name_type = ANY($2)
		AND r.contact_id IS NOT NULL AND NOT r.deleted AND NOT r.aggregation_needed
		ORDER BY r.contact_id
		LIMIT $3`, prefix, lookupTypesParam(types), limit)
	if err != nil {
		return nil, fmt.Errorf("query names with prefix %q: %w", prefix, err)
	}
	candidates, err := collectNameCandidates(rows)
	if err != nil {
		return nil, fmt.Errorf("scan names with prefix %q: %w", prefix, err)
	}
	return candidates, nil
}

// NameCandidatesByValue returns up to limit stored names equal to one of the
// encoded names.
func (r *LookupRepository) NameCandidatesByValue(ctx context.Context, names []string, limit int) ([]NameCandidate, error) {
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := r.q.Query(ctx, `
		SELECT r.contact_id, n.normalized_name, n.name_type
		FROM name_lookup n
		JOIN raw_contacts r ON r.id = n.raw_contact_id
		WHERE n.normalized_name = ANY($1)
		AND r.contact_id IS NOT NULL AND NOT r.deleted AND NOT r.aggregation_needed
		ORDER BY r.contact_id
		LIMIT $2`, names, limit)
	if err != nil {
		return nil, fmt.Errorf("query names by value: %w", err)
	}
	candidates, err := collectNameCandidates(rows)
	if err != nil {
		return nil, fmt.Errorf("scan names by value: %w", err)
	}
	return candidates, nil
}

// AddException records a keep-together or keep-separate pair, replacing any
// previous exception for the pair, and flags both raw contacts for
// re-aggregation.
func (r *LookupRepository) AddException(ctx context.Context, t ExceptionType, rawContactID1, rawContactID2 int64) error {
	id1, id2 := min(rawContactID1, rawContactID2), max(rawContactID1, rawContactID2)

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO aggregation_exceptions (type, raw_contact_id1, raw_contact_id2)
		VALUES ($1, $2, $3)
		ON CONFLICT (raw_contact_id1, raw_contact_id2) DO UPDATE SET type = EXCLUDED.type`,
		int16(t), id1, id2)
	batch.Queue(`
		UPDATE raw_contacts SET aggregation_needed = TRUE, updated_at = NOW()
		WHERE id IN ($1, $2)`, id1, id2)

	if err := execBatch(ctx, r.q, batch); err != nil {
		return fmt.Errorf("add exception %d/%d: %w", id1, id2, err)
	}
	return nil
}
