package repository

import (
	"context"
	"fmt"

	"contact-aggregator/internal/db"

	"github.com/jackc/pgx/v5"
)

// NicknameRepository reads the nickname cluster table. It is the backing
// source of the nickname cache.
type NicknameRepository struct {
	q DBTX
}

// NewNicknameRepository creates a new nickname repository
func NewNicknameRepository(database *db.Database) *NicknameRepository {
	return &NicknameRepository{q: database.Pool}
}

// ForEachNickname calls fn once for every distinct name in the table.
func (r *NicknameRepository) ForEachNickname(ctx context.Context, fn func(name string)) error {
	rows, err := r.q.Query(ctx, `SELECT DISTINCT name FROM nickname_lookup`)
	if err != nil {
		return fmt.Errorf("query nicknames: %w", err)
	}
	var name string
	_, err = pgx.ForEachRow(rows, []any{&name}, func() error {
		fn(name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan nicknames: %w", err)
	}
	return nil
}

// ClustersForName returns the cluster IDs a normalized name belongs to.
func (r *NicknameRepository) ClustersForName(ctx context.Context, name string) ([]string, error) {
	rows, err := r.q.Query(ctx, `
		SELECT cluster FROM nickname_lookup WHERE name = $1 ORDER BY cluster`, name)
	if err != nil {
		return nil, fmt.Errorf("query clusters of %q: %w", name, err)
	}
	clusters, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan clusters of %q: %w", name, err)
	}
	return clusters, nil
}
