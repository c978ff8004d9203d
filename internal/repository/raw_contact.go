package repository

import (
	"context"
	"fmt"
	"time"

	"contact-aggregator/internal/db"
	"contact-aggregator/internal/identity"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// AggregationMode controls whether a raw contact takes part in aggregation.
type AggregationMode int16

const (
	// AggregationModeDefault aggregates whenever the raw contact changes.
	AggregationModeDefault AggregationMode = 0
	// AggregationModeDisabled never aggregates the raw contact.
	AggregationModeDisabled AggregationMode = 1
	// AggregationModeSuspended keeps the raw contact in its current contact.
	AggregationModeSuspended AggregationMode = 2
)

func (m AggregationMode) String() string {
	switch m {
	case AggregationModeDefault:
		return "default"
	case AggregationModeDisabled:
		return "disabled"
	case AggregationModeSuspended:
		return "suspended"
	}
	return fmt.Sprintf("aggregation_mode(%d)", int16(m))
}

// ParseAggregationMode is the inverse of AggregationMode.String. The empty
// string selects the default mode.
func ParseAggregationMode(s string) (AggregationMode, error) {
	switch s {
	case "", "default":
		return AggregationModeDefault, nil
	case "disabled":
		return AggregationModeDisabled, nil
	case "suspended":
		return AggregationModeSuspended, nil
	}
	return 0, fmt.Errorf("unknown aggregation mode %q", s)
}

// RawContact is one source record. ContactID is nil until it is aggregated.
type RawContact struct {
	ID                int64           `json:"id"`
	ContactID         *int64          `json:"contact_id,omitempty"`
	AccountID         int64           `json:"account_id"`
	DisplayName       string          `json:"display_name"`
	AggregationMode   AggregationMode `json:"aggregation_mode"`
	AggregationNeeded bool            `json:"aggregation_needed"`
	Deleted           bool            `json:"deleted"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// DataValue is a normalized non-name value of a raw contact.
type DataValue struct {
	Kind  identity.DataKind
	Value string
}

// CreateRawContactParams holds the raw contact row and its lookup rows.
type CreateRawContactParams struct {
	AccountID       int64
	DisplayName     string
	AggregationMode AggregationMode
	Names           []identity.NameLookup
	Data            []DataValue
}

// RawContactRepository handles raw contact and contact persistence.
type RawContactRepository struct {
	database *db.Database
	q        DBTX
}

// NewRawContactRepository creates a new raw contact repository
func NewRawContactRepository(database *db.Database) *RawContactRepository {
	return &RawContactRepository{database: database, q: database.Pool}
}

const rawContactColumns = `id, contact_id, account_id, display_name, aggregation_mode,
	aggregation_needed, deleted, created_at, updated_at`

func scanRawContact(row pgx.Row) (*RawContact, error) {
	var rc RawContact
	var mode int16
	err := row.Scan(&rc.ID, &rc.ContactID, &rc.AccountID, &rc.DisplayName, &mode,
		&rc.AggregationNeeded, &rc.Deleted, &rc.CreatedAt, &rc.UpdatedAt)
	if err != nil {
		return nil, db.MapError(err)
	}
	rc.AggregationMode = AggregationMode(mode)
	return &rc, nil
}

// GetRawContact returns a raw contact by ID, or db.ErrNotFound.
func (r *RawContactRepository) GetRawContact(ctx context.Context, id int64) (*RawContact, error) {
	row := r.q.QueryRow(ctx, `SELECT `+rawContactColumns+` FROM raw_contacts WHERE id = $1 AND NOT deleted`, id)
	rc, err := scanRawContact(row)
	if err != nil {
		return nil, fmt.Errorf("get raw contact %d: %w", id, err)
	}
	return rc, nil
}

// CreateRawContact inserts the raw contact and all of its lookup rows in one
// transaction. The new raw contact is flagged for aggregation.
func (r *RawContactRepository) CreateRawContact(ctx context.Context, params CreateRawContactParams) (*RawContact, error) {
	var created *RawContact
	err := r.database.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO raw_contacts (account_id, display_name, aggregation_mode, aggregation_needed)
			VALUES ($1, $2, $3, TRUE)
			RETURNING `+rawContactColumns,
			params.AccountID, params.DisplayName, int16(params.AggregationMode))
		rc, err := scanRawContact(row)
		if err != nil {
			return fmt.Errorf("insert raw contact: %w", err)
		}
		created = rc

		batch := &pgx.Batch{}
		for _, n := range params.Names {
			batch.Queue(`
				INSERT INTO name_lookup (raw_contact_id, normalized_name, name_type)
				VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
				rc.ID, n.Name, int16(n.Type))
		}
		for _, d := range params.Data {
			batch.Queue(`
				INSERT INTO data_lookup (raw_contact_id, kind, value)
				VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
				rc.ID, string(d.Kind), d.Value)
		}
		return execBatch(ctx, tx, batch)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func execBatch(ctx context.Context, q DBTX, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	br := q.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("batch statement %d: %w", i, db.MapError(err))
		}
	}
	return br.Close()
}

func createContact(ctx context.Context, q DBTX) (int64, error) {
	var id int64
	if err := q.QueryRow(ctx, `INSERT INTO contacts DEFAULT VALUES RETURNING id`).Scan(&id); err != nil {
		return 0, fmt.Errorf("create contact: %w", err)
	}
	return id, nil
}

// JoinContact moves a raw contact into contactID and clears its aggregation
// flag. A previous contact left without members is deleted.
func (r *RawContactRepository) JoinContact(ctx context.Context, rawContactID, contactID int64, previousContactID *int64) error {
	return r.database.WithTx(ctx, func(tx pgx.Tx) error {
		return joinContact(ctx, tx, rawContactID, contactID, previousContactID)
	})
}

// JoinNewContact creates a contact and moves the raw contact into it in one
// transaction, so a failed join leaves no empty contact behind.
func (r *RawContactRepository) JoinNewContact(ctx context.Context, rawContactID int64, previousContactID *int64) (int64, error) {
	var contactID int64
	err := r.database.WithTx(ctx, func(tx pgx.Tx) error {
		id, err := createContact(ctx, tx)
		if err != nil {
			return err
		}
		contactID = id
		return joinContact(ctx, tx, rawContactID, id, previousContactID)
	})
	if err != nil {
		return 0, err
	}
	return contactID, nil
}

func joinContact(ctx context.Context, q DBTX, rawContactID, contactID int64, previousContactID *int64) error {
	tag, err := q.Exec(ctx, `
		UPDATE raw_contacts
		SET contact_id = $2, aggregation_needed = FALSE, updated_at = NOW()
		WHERE id = $1`, rawContactID, contactID)
	if err != nil {
		return fmt.Errorf("join raw contact %d into %d: %w", rawContactID, contactID, db.MapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("join raw contact %d: %w", rawContactID, db.ErrNotFound)
	}

	if previousContactID != nil && *previousContactID != contactID {
		_, err = q.Exec(ctx, `
			DELETE FROM contacts c
			WHERE c.id = $1
			AND NOT EXISTS (SELECT 1 FROM raw_contacts r WHERE r.contact_id = c.id AND NOT r.deleted)`,
			*previousContactID)
		if err != nil {
			return fmt.Errorf("delete empty contact %d: %w", *previousContactID, err)
		}
	}
	return nil
}

// MarkAggregated clears the aggregation flag without changing the contact.
func (r *RawContactRepository) MarkAggregated(ctx context.Context, rawContactID int64) error {
	_, err := r.q.Exec(ctx, `
		UPDATE raw_contacts SET aggregation_needed = FALSE, updated_at = NOW()
		WHERE id = $1`, rawContactID)
	if err != nil {
		return fmt.Errorf("mark raw contact %d aggregated: %w", rawContactID, err)
	}
	return nil
}

// MarkContactForSplit flags every member of a contact for re-aggregation.
func (r *RawContactRepository) MarkContactForSplit(ctx context.Context, contactID int64) error {
	_, err := r.q.Exec(ctx, `
		UPDATE raw_contacts SET aggregation_needed = TRUE, updated_at = NOW()
		WHERE contact_id = $1 AND NOT deleted`, contactID)
	if err != nil {
		return fmt.Errorf("mark contact %d for split: %w", contactID, err)
	}
	return nil
}

// CountOtherRawContacts counts the members of a contact other than rawContactID.
func (r *RawContactRepository) CountOtherRawContacts(ctx context.Context, contactID, rawContactID int64) (int, error) {
	var count int
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM raw_contacts
		WHERE contact_id = $1 AND id <> $2 AND NOT deleted`, contactID, rawContactID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count raw contacts of %d: %w", contactID, err)
	}
	return count, nil
}

// RawContactIDsForContact returns the member raw contacts of a contact.
func (r *RawContactRepository) RawContactIDsForContact(ctx context.Context, contactID int64) ([]int64, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id FROM raw_contacts WHERE contact_id = $1 AND NOT deleted ORDER BY id`, contactID)
	if err != nil {
		return nil, fmt.Errorf("list raw contacts of %d: %w", contactID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("list raw contacts of %d: %w", contactID, err)
	}
	return ids, nil
}

// PendingAggregation returns up to limit raw contacts flagged for aggregation,
// oldest first.
func (r *RawContactRepository) PendingAggregation(ctx context.Context, limit int) ([]int64, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id FROM raw_contacts
		WHERE aggregation_needed AND NOT deleted
		ORDER BY id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending aggregation: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("list pending aggregation: %w", err)
	}
	return ids, nil
}
