package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/datagov/internal/db"
)

type datasetRepository struct {
	pool *pgxpool.Pool
}

// NewDatasetRepository creates a Postgres-backed dataset repository. Asset
// rows live in a single jsonb table keyed by asset name.
func NewDatasetRepository(pool *pgxpool.Pool) DatasetRepository {
	return &datasetRepository{pool: pool}
}

func (r *datasetRepository) SampleRows(ctx context.Context, asset string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT properties FROM asset_rows WHERE asset = $1 ORDER BY row_index ASC LIMIT $2`,
		asset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sample asset rows: %w", err)
	}
	defer rows.Close()

	return collectAssetRows(rows)
}

func (r *datasetRepository) Rows(ctx context.Context, asset string) ([]map[string]any, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT properties FROM asset_rows WHERE asset = $1 ORDER BY row_index ASC`,
		asset,
	)
	if err != nil {
		return nil, fmt.Errorf("read asset rows: %w", err)
	}
	defer rows.Close()

	return collectAssetRows(rows)
}

func (r *datasetRepository) ReplaceRows(ctx context.Context, asset string, records []map[string]any) (int, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM asset_rows WHERE asset = $1`, asset); err != nil {
			return fmt.Errorf("clear asset rows: %w", err)
		}

		for index, record := range records {
			encoded, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("marshal asset row %d: %w", index, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO asset_rows (asset, row_index, properties) VALUES ($1, $2, $3)`,
				asset, index, encoded,
			); err != nil {
				return fmt.Errorf("insert asset row %d: %w", index, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

type pgRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectAssetRows(rows pgRows) ([]map[string]any, error) {
	records := make([]map[string]any, 0)
	for rows.Next() {
		var encoded []byte
		if err := rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("scan asset row: %w", err)
		}
		var record map[string]any
		if err := json.Unmarshal(encoded, &record); err != nil {
			return nil, fmt.Errorf("decode asset row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate asset rows: %w", err)
	}
	return records, nil
}
