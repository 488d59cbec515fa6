package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"masterflow/backend/internal/flowerr"
	"masterflow/backend/pkg/models"
)

// PostgresDomainFlowStore is a PostgreSQL implementation of DomainFlowStore.
type PostgresDomainFlowStore struct {
	db *pgxpool.Pool
}

// NewPostgresDomainFlowStore creates a new PostgresDomainFlowStore.
func NewPostgresDomainFlowStore(db *pgxpool.Pool) *PostgresDomainFlowStore {
	return &PostgresDomainFlowStore{db: db}
}

func (s *PostgresDomainFlowStore) querier(q Querier) Querier {
	if q != nil {
		return q
	}
	return s.db
}

// Create inserts the domain flow after its master flow is flushed, so the
// unique foreign key is satisfiable. The unique constraint on master_flow_id
// enforces the 1:1 link.
func (s *PostgresDomainFlowStore) Create(ctx context.Context, q Querier, flow *models.DomainFlow) error {
	payload, err := json.Marshal(flow.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	metadata, err := json.Marshal(flow.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	flow.CreatedAt = now
	flow.UpdatedAt = now

	_, err = s.querier(q).Exec(ctx, `INSERT INTO domain_flows
		(id, master_flow_id, flow_family, current_phase, status, progress_percentage, payload, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		flow.ID, flow.MasterFlowID, flow.FlowFamily, flow.CurrentPhase, flow.Status,
		flow.ProgressPercentage, payload, metadata, flow.CreatedAt, flow.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert domain flow: %w", err)
	}
	return nil
}

// GetByMasterFlowID retrieves the domain flow linked to a master flow.
func (s *PostgresDomainFlowStore) GetByMasterFlowID(ctx context.Context, masterFlowID string) (*models.DomainFlow, error) {
	var flow models.DomainFlow
	var payload, metadata []byte

	err := s.db.QueryRow(ctx, `SELECT id, master_flow_id, flow_family, current_phase, status,
		progress_percentage, payload, metadata, created_at, updated_at
		FROM domain_flows WHERE master_flow_id = $1`, masterFlowID).Scan(
		&flow.ID, &flow.MasterFlowID, &flow.FlowFamily, &flow.CurrentPhase, &flow.Status,
		&flow.ProgressPercentage, &payload, &metadata, &flow.CreatedAt, &flow.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, flowerr.New(flowerr.KindNotFound, "domain flow for master flow %s not found", masterFlowID)
		}
		return nil, fmt.Errorf("get domain flow: %w", err)
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &flow.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &flow.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &flow, nil
}

// Update writes the domain flow back.
func (s *PostgresDomainFlowStore) Update(ctx context.Context, flow *models.DomainFlow) error {
	payload, err := json.Marshal(flow.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	metadata, err := json.Marshal(flow.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `UPDATE domain_flows SET
		current_phase = $1, status = $2, progress_percentage = $3, payload = $4, metadata = $5, updated_at = $6
		WHERE id = $7`,
		flow.CurrentPhase, flow.Status, flow.ProgressPercentage, payload, metadata, now, flow.ID)
	if err != nil {
		return fmt.Errorf("update domain flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return flowerr.New(flowerr.KindNotFound, "domain flow %s not found", flow.ID)
	}
	flow.UpdatedAt = now
	return nil
}

// DeleteByMasterFlowID removes the domain flow; only ever called together
// with its master flow inside the same transaction.
func (s *PostgresDomainFlowStore) DeleteByMasterFlowID(ctx context.Context, q Querier, masterFlowID string) error {
	_, err := s.querier(q).Exec(ctx, `DELETE FROM domain_flows WHERE master_flow_id = $1`, masterFlowID)
	if err != nil {
		return fmt.Errorf("delete domain flow: %w", err)
	}
	return nil
}
