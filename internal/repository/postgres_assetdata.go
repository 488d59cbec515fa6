package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"masterflow/backend/pkg/models"
)

// PostgresAssetDataStore is a PostgreSQL implementation of AssetDataStore.
// One row per (asset, field path, source category).
type PostgresAssetDataStore struct {
	db *pgxpool.Pool
}

// NewPostgresAssetDataStore creates a new PostgresAssetDataStore.
func NewPostgresAssetDataStore(db *pgxpool.Pool) *PostgresAssetDataStore {
	return &PostgresAssetDataStore{db: db}
}

// Lookup returns the value for (asset, field path) in one source category.
func (s *PostgresAssetDataStore) Lookup(ctx context.Context, assetID, fieldPath string, source models.SourceType) (string, bool, error) {
	var value string
	err := s.db.QueryRow(ctx, `SELECT value FROM asset_field_values
		WHERE asset_id = $1 AND field_path = $2 AND source_type = $3 AND value <> ''`,
		assetID, fieldPath, source).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup asset field value: %w", err)
	}
	return value, true, nil
}

// UpsertFieldValue writes a discovered value for (asset, field path, source).
func (s *PostgresAssetDataStore) UpsertFieldValue(ctx context.Context, assetID, fieldPath string, source models.SourceType, value string) error {
	_, err := s.db.Exec(ctx, `INSERT INTO asset_field_values (asset_id, field_path, source_type, value)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (asset_id, field_path, source_type) DO UPDATE SET value = $4`,
		assetID, fieldPath, source, value)
	if err != nil {
		return fmt.Errorf("upsert asset field value: %w", err)
	}
	return nil
}
