package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"masterflow/backend/internal/flowerr"
	"masterflow/backend/pkg/models"
)

// PostgresGapStore is a PostgreSQL implementation of GapStore.
type PostgresGapStore struct {
	db *pgxpool.Pool
}

// NewPostgresGapStore creates a new PostgresGapStore.
func NewPostgresGapStore(db *pgxpool.Pool) *PostgresGapStore {
	return &PostgresGapStore{db: db}
}

// ReplaceForAsset supersedes all gap rows for one asset in a single
// transaction. Resolved and waived statuses survive the recomputation when
// the field is still a gap, so user decisions are not silently undone.
func (s *PostgresGapStore) ReplaceForAsset(ctx context.Context, domainFlowID, assetID string, gaps []models.Gap) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin gap replace: %w", err)
	}
	defer tx.Rollback(ctx)

	// Carry forward prior resolutions keyed by field.
	rows, err := tx.Query(ctx, `SELECT field_id, status FROM gaps
		WHERE domain_flow_id = $1 AND asset_id = $2 AND status <> $3`,
		domainFlowID, assetID, models.GapStatusUnresolved)
	if err != nil {
		return fmt.Errorf("read prior gap statuses: %w", err)
	}
	prior := make(map[string]models.GapStatus)
	for rows.Next() {
		var fieldID string
		var status models.GapStatus
		if err := rows.Scan(&fieldID, &status); err != nil {
			rows.Close()
			return fmt.Errorf("scan prior gap status: %w", err)
		}
		prior[fieldID] = status
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM gaps WHERE domain_flow_id = $1 AND asset_id = $2`,
		domainFlowID, assetID); err != nil {
		return fmt.Errorf("delete prior gaps: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM gap_analysis_errors WHERE domain_flow_id = $1 AND asset_id = $2`,
		domainFlowID, assetID); err != nil {
		return fmt.Errorf("clear analysis errors: %w", err)
	}

	for i := range gaps {
		g := &gaps[i]
		if status, ok := prior[g.FieldID]; ok && g.IsTrueGap {
			g.Status = status
		}
		dataFound, err := json.Marshal(g.DataFound)
		if err != nil {
			return fmt.Errorf("marshal data found: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO gaps
			(domain_flow_id, asset_id, field_id, priority, status, is_true_gap, confidence_score, data_found, analyzed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			domainFlowID, assetID, g.FieldID, g.Priority, g.Status,
			g.IsTrueGap, g.ConfidenceScore, dataFound, g.AnalyzedAt); err != nil {
			return fmt.Errorf("insert gap %s/%s: %w", assetID, g.FieldID, err)
		}
	}

	return tx.Commit(ctx)
}

// CountPending issues a fresh aggregate over the gap rows. Decision points
// must never read a cached summary field: a summary written before the gap
// rows land (or vice versa) diverges from reality between the two writes,
// and a crash in that window persists the divergence.
func (s *PostgresGapStore) CountPending(ctx context.Context, domainFlowID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM gaps
		WHERE domain_flow_id = $1 AND is_true_gap AND status = $2`,
		domainFlowID, models.GapStatusUnresolved).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending gaps: %w", err)
	}
	return count, nil
}

// ListByFlow returns all gap rows for a flow ordered by asset and field.
func (s *PostgresGapStore) ListByFlow(ctx context.Context, domainFlowID string) ([]models.Gap, error) {
	rows, err := s.db.Query(ctx, `SELECT domain_flow_id, asset_id, field_id, priority, status,
		is_true_gap, confidence_score, data_found, analyzed_at
		FROM gaps WHERE domain_flow_id = $1 ORDER BY asset_id, field_id`, domainFlowID)
	if err != nil {
		return nil, fmt.Errorf("list gaps: %w", err)
	}
	defer rows.Close()

	var gaps []models.Gap
	for rows.Next() {
		var g models.Gap
		var dataFound []byte
		if err := rows.Scan(&g.DomainFlowID, &g.AssetID, &g.FieldID, &g.Priority, &g.Status,
			&g.IsTrueGap, &g.ConfidenceScore, &dataFound, &g.AnalyzedAt); err != nil {
			return nil, fmt.Errorf("scan gap: %w", err)
		}
		if len(dataFound) > 0 {
			if err := json.Unmarshal(dataFound, &g.DataFound); err != nil {
				return nil, fmt.Errorf("unmarshal data found: %w", err)
			}
		}
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}

// SetStatus moves one gap to resolved or waived.
func (s *PostgresGapStore) SetStatus(ctx context.Context, domainFlowID, assetID, fieldID string, status models.GapStatus) error {
	tag, err := s.db.Exec(ctx, `UPDATE gaps SET status = $1
		WHERE domain_flow_id = $2 AND asset_id = $3 AND field_id = $4`,
		status, domainFlowID, assetID, fieldID)
	if err != nil {
		return fmt.Errorf("set gap status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return flowerr.New(flowerr.KindNotFound, "gap %s/%s/%s not found", domainFlowID, assetID, fieldID)
	}
	return nil
}

// MarkAssetError records an analysis failure for one asset.
func (s *PostgresGapStore) MarkAssetError(ctx context.Context, domainFlowID, assetID, message string) error {
	_, err := s.db.Exec(ctx, `INSERT INTO gap_analysis_errors (domain_flow_id, asset_id, message, occurred_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (domain_flow_id, asset_id) DO UPDATE SET message = $3, occurred_at = $4`,
		domainFlowID, assetID, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark asset analysis error: %w", err)
	}
	return nil
}
